package admintools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"git.handmade.network/hmn/reviewq/src/config"
	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/flags"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/scoring"
	"git.handmade.network/hmn/reviewq/src/server"
	"git.handmade.network/hmn/reviewq/src/validation"
	"github.com/spf13/cobra"
)

func init() {
	adminCommand := &cobra.Command{
		Use:   "admin",
		Short: "Miscellaneous admin commands",
	}
	server.ReviewQCommand.AddCommand(adminCommand)

	var trustLevel int
	var staff bool
	createUserCommand := &cobra.Command{
		Use:   "createuser [username]",
		Short: "Creates a new, approved user",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 1 {
				fmt.Printf("You must provide a username.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			if trustLevel < 0 || trustLevel > models.MaxTrustLevel {
				fmt.Printf("Trust level must be between 0 and %d.\n\n", models.MaxTrustLevel)
				os.Exit(1)
			}

			ctx := context.Background()
			conn, err := db.NewConn(ctx)
			if err != nil {
				panic(err)
			}
			defer conn.Close(ctx)

			id, err := db.QueryOneScalar[int64](ctx, conn,
				`
				INSERT INTO users (username, trust_level, staff, approved, created_at)
				VALUES ($1, $2, $3, TRUE, NOW())
				RETURNING id
				`,
				args[0], trustLevel, staff,
			)
			if err != nil {
				if db.IsUniqueViolation(err, "users_username") {
					fmt.Printf("%s already exists. Please pick a different username.\n\n", args[0])
					os.Exit(1)
				}
				panic(err)
			}

			fmt.Printf("Created user %s (id %d)\n", args[0], id)
		},
	}
	createUserCommand.Flags().IntVar(&trustLevel, "trust-level", 1, "Trust level (0-4)")
	createUserCommand.Flags().BoolVar(&staff, "staff", false, "Make the user staff")
	adminCommand.AddCommand(createUserCommand)

	addFlagCommands(adminCommand)
	addReviewableCommands(adminCommand)
	addQueuedPostCommands(adminCommand)
	addMaintenanceCommands(adminCommand)
}

func openApp(ctx context.Context) *server.App {
	app, err := server.Open(ctx, config.Config)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	return app
}

func mustActor(ctx context.Context, app *server.App, username string) *models.User {
	user, err := app.UserByName(ctx, username)
	if errors.Is(err, server.ErrUserNotFound) {
		fmt.Printf("User '%s' not found\n", username)
		os.Exit(1)
	} else if err != nil {
		panic(err)
	}
	return user
}

func mustInt64(arg, what string) int64 {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Printf("%s must be a number, got %q\n", what, arg)
		os.Exit(1)
	}
	return n
}

// Prints validation errors field by field, anything else as-is, and exits.
func exitWithError(err error) {
	var verrs *validation.Errors
	if errors.As(err, &verrs) {
		fmt.Println("Invalid input:")
		for _, field := range verrs.Fields() {
			fmt.Printf("  %s %s\n", field, strings.Join(verrs.On(field), ", "))
		}
	} else {
		fmt.Printf("ERROR: %v\n", err)
	}
	os.Exit(1)
}

func parseTargetKinds(s string) ([]models.TargetKind, error) {
	var kinds []models.TargetKind
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := models.ParseTargetKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func parsePriority(s string) (scoring.Priority, error) {
	for _, p := range []scoring.Priority{scoring.PriorityLow, scoring.PriorityMedium, scoring.PriorityHigh} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q (low, medium, or high)", s)
}

func describeFlag(d flags.Descriptor) string {
	state := "enabled"
	if !d.Enabled {
		state = "disabled"
	}
	kinds := make([]string, len(d.AppliesTo))
	for i, k := range d.AppliesTo {
		kinds[i] = string(k)
	}
	return fmt.Sprintf("%5d  %-28s %-9s %s", d.ID, d.Key, state, strings.Join(kinds, ","))
}
