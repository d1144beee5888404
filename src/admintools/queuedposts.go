package admintools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/queuedpost"
	"github.com/spf13/cobra"
)

func addQueuedPostCommands(adminCommand *cobra.Command) {
	var queue string
	queuedCommand := &cobra.Command{
		Use:   "queued",
		Short: "List queued posts waiting for approval",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()

			qps, err := app.QueuedPosts.Visible(ctx, queue, 100)
			if err != nil {
				panic(err)
			}
			for _, qp := range qps {
				fmt.Printf("%6d  user %-6d %v  %.60q\n", qp.ID, qp.UserID, qp.Reasons, qp.Raw)
			}
		},
	}
	queuedCommand.Flags().StringVar(&queue, "queue", models.DefaultQueue, "Which queue to list")
	adminCommand.AddCommand(queuedCommand)

	var targetQueue string
	var topicID int64
	var reasons []string
	enqueueCommand := &cobra.Command{
		Use:   "enqueue [author username] [raw]...",
		Short: "Submit a post for approval as the given author",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 2 {
				fmt.Printf("You must provide an author and the post's text.\n\n")
				cmd.Usage()
				os.Exit(1)
			}

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			author := mustActor(ctx, app, args[0])

			sub := queuedpost.Submission{
				Queue:   targetQueue,
				Raw:     strings.Join(args[1:], " "),
				Reasons: reasons,
			}
			if topicID != 0 {
				sub.TopicID = &topicID
			}
			qp, err := app.QueuedPosts.Enqueue(ctx, author, sub)
			if err != nil {
				exitWithError(err)
			}
			fmt.Printf("Queued post %d %v\n", qp.ID, qp.Reasons)
		},
	}
	enqueueCommand.Flags().StringVar(&targetQueue, "queue", models.DefaultQueue, "Which queue to submit to")
	enqueueCommand.Flags().Int64Var(&topicID, "topic", 0, "Topic the post will be created in")
	enqueueCommand.Flags().StringSliceVar(&reasons, "reason", nil, "Extra reasons for queueing")
	adminCommand.AddCommand(enqueueCommand)

	approveCommand := &cobra.Command{
		Use:   "approvequeued [acting username] [queued post id]",
		Short: "Approve a queued post and create the post",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 2 {
				fmt.Printf("You must provide a username and a queued post id.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			id := mustInt64(args[1], "queued post id")

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			actor := mustActor(ctx, app, args[0])

			qp, post, err := app.QueuedPosts.Approve(ctx, actor, id)
			if err != nil {
				exitWithError(err)
			}
			fmt.Printf("Approved queued post %d as post %d\n", qp.ID, post.ID)
		},
	}
	adminCommand.AddCommand(approveCommand)

	rejectCommand := &cobra.Command{
		Use:   "rejectqueued [acting username] [queued post id]",
		Short: "Reject a queued post",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 2 {
				fmt.Printf("You must provide a username and a queued post id.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			id := mustInt64(args[1], "queued post id")

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			actor := mustActor(ctx, app, args[0])

			qp, err := app.QueuedPosts.Reject(ctx, actor, id)
			if err != nil {
				exitWithError(err)
			}
			fmt.Printf("Rejected queued post %d\n", qp.ID)
		},
	}
	adminCommand.AddCommand(rejectCommand)
}
