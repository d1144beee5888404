package admintools

import (
	"context"
	"fmt"
	"os"

	"git.handmade.network/hmn/reviewq/src/flags"
	"github.com/spf13/cobra"
)

func addFlagCommands(adminCommand *cobra.Command) {
	listFlagsCommand := &cobra.Command{
		Use:   "flags",
		Short: "List every flag in display order",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()

			for _, d := range app.Catalog.PublicKinds() {
				fmt.Println(describeFlag(d))
			}
			fmt.Println("System-only:")
			for _, d := range app.Catalog.ScoreKinds() {
				if d.ScoreType {
					fmt.Println(describeFlag(d))
				}
			}
		},
	}
	adminCommand.AddCommand(listFlagsCommand)

	createFlag := &flagInput{}
	createFlagCommand := &cobra.Command{
		Use:   "createflag [acting username] [name]",
		Short: "Create a custom flag",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 2 {
				fmt.Printf("You must provide a username and a flag name.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			in := createFlag.custom(args[1])

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			actor := mustActor(ctx, app, args[0])

			d, err := app.Flags.Create(ctx, actor, in)
			if err != nil {
				exitWithError(err)
			}
			fmt.Printf("Created flag:\n%s\n", describeFlag(d))
		},
	}
	createFlag.bind(createFlagCommand)
	adminCommand.AddCommand(createFlagCommand)

	updateFlag := &flagInput{}
	updateFlagCommand := &cobra.Command{
		Use:   "updateflag [acting username] [flag id] [name]",
		Short: "Replace the settings of a custom flag",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 3 {
				fmt.Printf("You must provide a username, a flag id, and the flag's name.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			id := int(mustInt64(args[1], "flag id"))
			in := updateFlag.custom(args[2])

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			actor := mustActor(ctx, app, args[0])

			d, err := app.Flags.Update(ctx, actor, id, in)
			if err != nil {
				exitWithError(err)
			}
			fmt.Printf("Updated flag:\n%s\n", describeFlag(d))
		},
	}
	updateFlag.bind(updateFlagCommand)
	adminCommand.AddCommand(updateFlagCommand)

	reorderFlagCommand := &cobra.Command{
		Use:   "reorderflag [acting username] [flag id] [up|down]",
		Short: "Move a flag up or down in display order",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 3 || (args[2] != "up" && args[2] != "down") {
				fmt.Printf("You must provide a username, a flag id, and up or down.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			id := int(mustInt64(args[1], "flag id"))
			dir := flags.Up
			if args[2] == "down" {
				dir = flags.Down
			}

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			actor := mustActor(ctx, app, args[0])

			if err := app.Flags.Reorder(ctx, actor, id, dir); err != nil {
				exitWithError(err)
			}
			for _, d := range app.Catalog.PublicKinds() {
				fmt.Println(describeFlag(d))
			}
		},
	}
	adminCommand.AddCommand(reorderFlagCommand)

	destroyFlagCommand := &cobra.Command{
		Use:   "destroyflag [acting username] [flag id]",
		Short: "Delete a custom flag that has never been used",
		Long:  "Delete a custom flag. Built-in flags and flags that have been used cannot be deleted; disable them with toggleflag instead.",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 2 {
				fmt.Printf("You must provide a username and a flag id.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			id := int(mustInt64(args[1], "flag id"))

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			actor := mustActor(ctx, app, args[0])

			if err := app.Flags.Destroy(ctx, actor, id); err != nil {
				exitWithError(err)
			}
			fmt.Printf("Deleted flag %d\n", id)
		},
	}
	adminCommand.AddCommand(destroyFlagCommand)

	toggleFlagCommand := &cobra.Command{
		Use:   "toggleflag [acting username] [flag id] [on|off]",
		Short: "Enable or disable a flag",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 3 || (args[2] != "on" && args[2] != "off") {
				fmt.Printf("You must provide a username, a flag id, and on or off.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			id := int(mustInt64(args[1], "flag id"))

			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			actor := mustActor(ctx, app, args[0])

			if err := app.Flags.SetEnabled(ctx, actor, id, args[2] == "on"); err != nil {
				exitWithError(err)
			}
			d, err := app.Catalog.LookupID(id)
			if err != nil {
				panic(err)
			}
			fmt.Println(describeFlag(d))
		},
	}
	adminCommand.AddCommand(toggleFlagCommand)
}

// The settings shared by createflag and updateflag.
type flagInput struct {
	description    string
	appliesTo      string
	requireMessage bool
	autoAction     bool
	scoreBonus     float64
}

func (f *flagInput) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.description, "description", "", "What the flag means")
	cmd.Flags().StringVar(&f.appliesTo, "applies-to", "Post", "Comma-separated target kinds (Post, User, QueuedPost)")
	cmd.Flags().BoolVar(&f.requireMessage, "require-message", false, "Flaggers must explain themselves")
	cmd.Flags().BoolVar(&f.autoAction, "auto-action", false, "Counts toward auto-hiding posts")
	cmd.Flags().Float64Var(&f.scoreBonus, "score-bonus", 0, "Added to every score recorded with this flag")
}

func (f *flagInput) custom(name string) flags.CustomFlag {
	kinds, err := parseTargetKinds(f.appliesTo)
	if err != nil {
		exitWithError(err)
	}
	return flags.CustomFlag{
		Name:           name,
		Description:    f.description,
		AppliesTo:      kinds,
		RequireMessage: f.requireMessage,
		AutoAction:     f.autoAction,
		ScoreBonus:     f.scoreBonus,
	}
}
