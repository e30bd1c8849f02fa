package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aurelian-labs/aurelius/pkg/schemas"
)

type highlightSource struct {
	Author   string
	Work     string
	Passages []string
}

// stoicHighlights is the built-in seed corpus, available without any
// external text files.
var stoicHighlights = []highlightSource{
	{
		Author: "Marcus Aurelius",
		Work:   "Meditations",
		Passages: []string{
			"You have power over your mind - not outside events. Realize this, and you will find strength.",
			"The happiness of your life depends upon the quality of your thoughts.",
			"Waste no more time arguing about what a good man should be. Be one.",
			"Very little is needed to make a happy life; it is all within yourself, in your way of thinking.",
			"Accept the things to which fate binds you, and love the people with whom fate brings you together, and do so with all your heart.",
			"The best revenge is to be unlike him who performed the injury.",
			"When you arise in the morning think of what a privilege it is to be alive, to think, to enjoy, to love.",
			"Never let the future disturb you. You will meet it, if you have to, with the same weapons of reason which today arm you against the present.",
			"The object of life is not to be on the side of the majority, but to escape finding oneself in the ranks of the insane.",
			"If it is not right do not do it; if it is not true do not say it.",
		},
	},
	{
		Author: "Seneca",
		Work:   "Letters from a Stoic",
		Passages: []string{
			"We suffer more often in imagination than in reality.",
			"It is not that we have a short time to live, but that we waste a lot of it.",
			"Luck is what happens when preparation meets opportunity.",
			"Begin at once to live, and count each separate day as a separate life.",
			"He suffers more than necessary, who suffers before it is necessary.",
			"It is not the man who has too little that is poor, but the one who hankers after more.",
			"While we are postponing, life speeds by.",
			"True happiness is to enjoy the present, without anxious dependence upon the future.",
		},
	},
	{
		Author: "Epictetus",
		Work:   "Enchiridion",
		Passages: []string{
			"Some things are in our control and others not. Things in our control are opinion, pursuit, desire, aversion, and our own actions. Things not in our control are body, property, reputation, command, and whatever are not our own actions.",
			"Men are disturbed not by things, but by the views which they take of them.",
			"It is difficulties that show what men are.",
			"No man is free who is not master of himself.",
			"First say to yourself what you would be; and then do what you have to do.",
			"If you want to improve, be content to be thought foolish and stupid.",
			"The key is to keep company only with people who uplift you, whose presence calls forth your best.",
		},
	},
}

// SeedHighlights loads the built-in passages into the stoic_wisdom
// collection. Each passage is its own chunk.
func (p *Pipeline) SeedHighlights(ctx context.Context, tag bool) (int, error) {
	total := 0
	for _, source := range stoicHighlights {
		chunks := make([]Chunk, 0, len(source.Passages))
		for _, passage := range source.Passages {
			chunks = append(chunks, Chunk{
				ID:      uuid.NewString(),
				Content: passage,
				Source:  fmt.Sprintf("%s - %s", source.Author, source.Work),
				Author:  source.Author,
				Work:    source.Work,
			})
		}
		n, err := p.storeChunks(ctx, chunks, schemas.CollectionStoicWisdom, tag)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
