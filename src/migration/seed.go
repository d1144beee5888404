package migration

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"

	"git.handmade.network/hmn/reviewq/src/config"
	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/oops"
	"git.handmade.network/hmn/reviewq/src/queuedpost"
	"git.handmade.network/hmn/reviewq/src/server"
	"git.handmade.network/hmn/reviewq/src/utils"
	lorem "github.com/HandmadeNetwork/golorem"
	"github.com/jackc/pgx/v5"
)

// Restores a pg_dump into the local db. The dump must come from a database
// at the latest migration.
func SeedFromFile(seedFile string) {
	utils.Must(utils.Must1(os.Open(seedFile)).Close())

	fmt.Println("Executing seed...")
	cmd := exec.Command("pg_restore",
		"--single-transaction",
		"--dbname", config.Config.Postgres.DSN(),
		seedFile,
	)
	fmt.Println("Running command:", cmd)
	if output, err := cmd.CombinedOutput(); err != nil {
		fmt.Print(string(output))
		panic(fmt.Errorf("failed to execute seed: %w", err))
	}

	fmt.Println("Done! You may want to migrate forward from here.")
	ListMigrations()
}

// Seeds the database with sample data for local dev: a few users at
// different trust levels, some posts, and a handful of queued posts waiting
// for approval.
func SampleSeed(ctx context.Context) error {
	if err := Migrate(ctx, LatestVersion()); err != nil {
		return err
	}

	conn, err := db.NewConnWithConfig(ctx, config.PostgresConfig{
		LogLevel: "warn",
	})
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	var spammer *models.User
	err = db.InTx(ctx, conn, func(tx pgx.Tx) error {
		fmt.Println("Creating admin user...")
		if _, err := seedUser(ctx, tx, models.User{Username: "admin", TrustLevel: 4, Staff: true, Approved: true}); err != nil {
			return err
		}

		fmt.Println("Creating normal users...")
		var authors []*models.User
		for _, input := range []models.User{
			{Username: "alice", TrustLevel: 1, Approved: true},
			{Username: "bob", TrustLevel: 3, Approved: true},
			{Username: "charlie", TrustLevel: 4, Approved: true},
		} {
			u, err := seedUser(ctx, tx, input)
			if err != nil {
				return err
			}
			authors = append(authors, u)
			fmt.Printf("  %s (trust level %d)\n", u.Username, u.TrustLevel)
		}

		fmt.Println("Creating a spammer...")
		var err error
		spammer, err = seedUser(ctx, tx, models.User{Username: "spam", TrustLevel: 0})
		if err != nil {
			return err
		}

		fmt.Println("Creating posts...")
		for topicID := int64(1); topicID <= 5; topicID++ {
			for i := 0; i < 3+rand.Intn(5); i++ {
				author := authors[rand.Intn(len(authors))]
				if _, err := seedPost(ctx, tx, author.ID, topicID, lorem.Paragraph(1, 3)); err != nil {
					return err
				}
			}
		}
		if _, err := seedPost(ctx, tx, spammer.ID, 1, "Hot singletons in your local area https://example.com/deals"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Queued posts go through the approval queue so they get their reasons
	// and show up as reviewables.
	fmt.Println("Queueing posts for approval...")
	app, err := server.Open(ctx, config.Config)
	if err != nil {
		return err
	}
	defer app.Close()
	for i := 0; i < 4; i++ {
		raw := lorem.Paragraph(1, 2)
		if randomBool() {
			raw += " https://example.com/" + lorem.Word(4, 8)
		}
		topicID := int64(1 + rand.Intn(5))
		qp, err := app.QueuedPosts.Enqueue(ctx, spammer, queuedpost.Submission{Raw: raw, TopicID: &topicID})
		if err != nil {
			return err
		}
		fmt.Printf("  queued post %d %v\n", qp.ID, qp.Reasons)
	}

	return nil
}

func seedUser(ctx context.Context, conn db.ConnOrTx, input models.User) (*models.User, error) {
	user, err := db.QueryOne[models.User](ctx, conn,
		`
		INSERT INTO users (username, trust_level, staff, approved, created_at)
		VALUES ($1, $2, $3, $4, '2017-01-01T00:00:00Z')
		RETURNING $columns
		`,
		input.Username, input.TrustLevel, input.Staff, input.Approved,
	)
	if err != nil {
		return nil, oops.New(err, "failed to seed user %s", input.Username)
	}
	return user, nil
}

func seedPost(ctx context.Context, conn db.ConnOrTx, userID, topicID int64, raw string) (*models.Post, error) {
	post, err := db.QueryOne[models.Post](ctx, conn,
		`
		INSERT INTO posts (user_id, topic_id, raw, hidden, created_at)
		VALUES ($1, $2, $3, FALSE, NOW())
		RETURNING $columns
		`,
		userID, topicID, raw,
	)
	if err != nil {
		return nil, oops.New(err, "failed to seed post")
	}
	return post, nil
}

func randomBool() bool {
	return rand.Intn(2) == 1
}
