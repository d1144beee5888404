package admintools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"git.handmade.network/hmn/reviewq/src/counters"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/reviewable"
	"github.com/spf13/cobra"
)

func addReviewableCommands(adminCommand *cobra.Command) {
	var minPriority, viewer string
	var limit int
	pendingCommand := &cobra.Command{
		Use:   "pending",
		Short: "List pending reviewables, highest score first",
		Run: func(cmd *cobra.Command, args []string) {
			priority, err := parsePriority(minPriority)
			if err != nil {
				exitWithError(err)
			}

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()

			rs, err := app.Reviewables.Pending(ctx, priority, limit)
			if err != nil {
				panic(err)
			}
			if len(rs) == 0 {
				fmt.Println("Nothing to review.")
				return
			}

			var viewedBy *models.User
			if viewer != "" {
				viewedBy = mustActor(ctx, app, viewer)
			}
			for _, r := range rs {
				fmt.Println(describeReviewable(app.Reviewables, r))
				if viewedBy != nil {
					if _, err := app.Views.Track(ctx, counters.ReviewableViews, r.ID, viewedBy.ID); err != nil {
						panic(err)
					}
				}
			}
		},
	}
	pendingCommand.Flags().StringVar(&viewer, "as", "", "Count the listed items as viewed by this user")
	pendingCommand.Flags().StringVar(&minPriority, "min-priority", "low", "low, medium, or high")
	pendingCommand.Flags().IntVar(&limit, "limit", 50, "Maximum number of items to list")
	adminCommand.AddCommand(pendingCommand)

	var message string
	var takeAction bool
	flagCommand := &cobra.Command{
		Use:   "flag [acting username] [Post|User|QueuedPost] [target id] [flag key]",
		Short: "Flag a post, user, or queued post",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 4 {
				fmt.Printf("You must provide a username, a target kind and id, and a flag key.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			kind, err := models.ParseTargetKind(args[1])
			if err != nil {
				exitWithError(err)
			}
			target := models.Target{Kind: kind, ID: mustInt64(args[2], "target id")}

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			actor := mustActor(ctx, app, args[0])

			opts := reviewable.FlagOptions{TakeAction: takeAction}
			if message != "" {
				opts.Message = &message
			}
			res, err := app.Reviewables.Flag(ctx, actor, target, args[3], opts)
			if err != nil {
				exitWithError(err)
			}
			fmt.Println(describeReviewable(app.Reviewables, res.Reviewable))
			fmt.Printf("Score %.2f recorded", res.Score.Score)
			if res.Hidden {
				fmt.Print("; the post is now hidden")
			}
			fmt.Println()
		},
	}
	flagCommand.Flags().StringVar(&message, "message", "", "Explanation, required by some flags")
	flagCommand.Flags().BoolVar(&takeAction, "take-action", false, "Staff only: hide the post right away")
	adminCommand.AddCommand(flagCommand)

	editCommand := &cobra.Command{
		Use:   "editreviewable [acting username] [reviewable id] [version] [field=value]...",
		Short: "Edit the content under review",
		Long:  "Edit the content under review, e.g. raw=\"new text\" for a queued post. Bumps the version.",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 4 {
				fmt.Printf("You must provide a username, a reviewable id, the version you reviewed, and at least one change.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			id := mustInt64(args[1], "reviewable id")
			version := int(mustInt64(args[2], "version"))
			changes, err := parseChanges(args[3:])
			if err != nil {
				exitWithError(err)
			}

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			actor := mustActor(ctx, app, args[0])

			r, err := app.Reviewables.Edit(ctx, actor, id, version, changes)
			if err != nil {
				exitWithError(err)
			}
			fmt.Println(describeReviewable(app.Reviewables, r))
		},
	}
	adminCommand.AddCommand(editCommand)

	performCommand := &cobra.Command{
		Use:   "perform [acting username] [reviewable id] [approve|reject|ignore] [version]",
		Short: "Resolve a pending reviewable",
		Long:  "Resolve a pending reviewable. The version must match the one you reviewed; if someone else acted first, nothing changes.",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 4 {
				fmt.Printf("You must provide a username, a reviewable id, an action, and the version you reviewed.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			id := mustInt64(args[1], "reviewable id")
			action, err := reviewable.ParseAction(args[2])
			if err != nil {
				exitWithError(err)
			}
			version := int(mustInt64(args[3], "version"))

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			actor := mustActor(ctx, app, args[0])

			r, err := app.Reviewables.Perform(ctx, actor, id, action, version)
			if err != nil {
				exitWithError(err)
			}
			fmt.Println(describeReviewable(app.Reviewables, r))
		},
	}
	adminCommand.AddCommand(performCommand)

	claimCommand := &cobra.Command{
		Use:   "claim [acting username] [reviewable id]",
		Short: "Claim a reviewable so nobody else works on it",
		Run: func(cmd *cobra.Command, args []string) {
			runClaim(cmd, args, func(ctx context.Context, m *reviewable.Machine, actor *models.User, id int64) (*models.Reviewable, error) {
				return m.Claim(ctx, actor, id)
			})
		},
	}
	adminCommand.AddCommand(claimCommand)

	unclaimCommand := &cobra.Command{
		Use:   "unclaim [acting username] [reviewable id]",
		Short: "Release a reviewable you claimed",
		Run: func(cmd *cobra.Command, args []string) {
			runClaim(cmd, args, func(ctx context.Context, m *reviewable.Machine, actor *models.User, id int64) (*models.Reviewable, error) {
				return m.Unclaim(ctx, actor, id)
			})
		},
	}
	adminCommand.AddCommand(unclaimCommand)
}

func runClaim(cmd *cobra.Command, args []string, fn func(ctx context.Context, m *reviewable.Machine, actor *models.User, id int64) (*models.Reviewable, error)) {
	if len(args) < 2 {
		fmt.Printf("You must provide a username and a reviewable id.\n\n")
		cmd.Usage()
		os.Exit(1)
	}
	id := mustInt64(args[1], "reviewable id")

	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()
	actor := mustActor(ctx, app, args[0])

	r, err := fn(ctx, app.Reviewables, actor, id)
	if err != nil {
		exitWithError(err)
	}
	fmt.Println(describeReviewable(app.Reviewables, r))
}

// Turns field=value arguments into an edit. Values stay strings.
func parseChanges(args []string) (map[string]any, error) {
	changes := make(map[string]any, len(args))
	for _, arg := range args {
		field, value, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		changes[field] = value
	}
	return changes, nil
}

func describeReviewable(m *reviewable.Machine, r *models.Reviewable) string {
	claimed := ""
	if r.ClaimedByID != nil {
		claimed = fmt.Sprintf(" claimed by %d", *r.ClaimedByID)
	}
	return fmt.Sprintf("%6d  %-16s %-8s score %5.2f (%s) v%d%s",
		r.ID, r.Target(), r.Status, r.Score, m.Thresholds.PriorityFor(r.Score), r.Version, claimed)
}
