package admintools

import (
	"context"
	"fmt"
	"os"

	"git.handmade.network/hmn/reviewq/src/counters"
	"git.handmade.network/hmn/reviewq/src/models"
	"github.com/spf13/cobra"
)

func addMaintenanceCommands(adminCommand *cobra.Command) {
	runChecksCommand := &cobra.Command{
		Use:   "runchecks",
		Short: "Run every due problem check once and list open admin notices",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()

			summary, err := app.Checks.RunOnce(ctx)
			if err != nil {
				exitWithError(err)
			}
			fmt.Printf("Ran %d checks (%d problems, %d skipped)\n", summary.Ran, summary.Problems, summary.Skipped)

			notices, err := app.Checks.Alarm.Notices(ctx)
			if err != nil {
				panic(err)
			}
			for _, n := range notices {
				priority := "low"
				if n.Priority == models.NoticeHigh {
					priority = "HIGH"
				}
				fmt.Printf("  [%s] %s %s: %v\n", priority, n.Identifier, n.Target, n.Details["message"])
			}
		},
	}
	adminCommand.AddCommand(runChecksCommand)

	likeCommand := &cobra.Command{
		Use:   "like [username] [post id]",
		Short: "Record a like, subject to the daily like limit",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 2 {
				fmt.Printf("You must provide a username and a post id.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			postID := mustInt64(args[1], "post id")

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			user := mustActor(ctx, app, args[0])

			counted, err := app.Likes.Like(ctx, user, postID)
			if err != nil {
				exitWithError(err)
			}
			if !counted {
				fmt.Printf("%s already liked post %d today\n", user.Username, postID)
				return
			}
			pending, err := app.Views.Pending(ctx, counters.PostLikes, postID)
			if err != nil {
				panic(err)
			}
			fmt.Printf("Liked post %d (%d likes today not yet flushed)\n", postID, pending)
		},
	}
	adminCommand.AddCommand(likeCommand)

	flushCountersCommand := &cobra.Command{
		Use:   "flushcounters",
		Short: "Write every pending Redis counter to the database now",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()

			n, err := app.Reconciler.Flush(ctx, "manual")
			if err != nil {
				exitWithError(err)
			}
			fmt.Printf("Flushed %d counters\n", n)
		},
	}
	adminCommand.AddCommand(flushCountersCommand)
}
