package migration

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/migration/migrations"
	"git.handmade.network/hmn/reviewq/src/migration/types"
	"git.handmade.network/hmn/reviewq/src/oops"
	"git.handmade.network/hmn/reviewq/src/server"
	"git.handmade.network/hmn/reviewq/src/utils"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
)

var listMigrations bool

func init() {
	migrateCommand := &cobra.Command{
		Use:   "migrate [target migration id]",
		Short: "Run database migrations",
		Run: func(cmd *cobra.Command, args []string) {
			if listMigrations {
				ListMigrations()
				return
			}

			targetVersion := time.Time{}
			if len(args) > 0 {
				var err error
				targetVersion, err = time.Parse(time.RFC3339, args[0])
				if err != nil {
					fmt.Printf("ERROR: bad version string: %v", err)
					os.Exit(1)
				}
			}
			if err := Migrate(context.Background(), types.MigrationVersion(targetVersion)); err != nil {
				fmt.Printf("ERROR: %v\n", err)
				os.Exit(1)
			}
		},
	}
	migrateCommand.Flags().BoolVar(&listMigrations, "list", false, "List available migrations")

	makeMigrationCommand := &cobra.Command{
		Use:   "makemigration <name> <description>...",
		Short: "Create a new database migration file",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 2 {
				fmt.Printf("You must provide a name and a description.\n\n")
				cmd.Usage()
				os.Exit(1)
			}

			name := args[0]
			description := strings.Join(args[1:], " ")

			MakeMigration(name, description)
		},
	}

	seedCommand := &cobra.Command{
		Use:   "seed",
		Short: "Migrate to the latest version and fill the database with sample data",
		Run: func(cmd *cobra.Command, args []string) {
			if err := SampleSeed(context.Background()); err != nil {
				fmt.Printf("ERROR: %v\n", err)
				os.Exit(1)
			}
		},
	}

	seedFromFileCommand := &cobra.Command{
		Use:   "seedfile <filename>",
		Short: "Restore a pg_dump of production data into the local database",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 1 {
				fmt.Printf("You must provide a seed file.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			SeedFromFile(args[0])
		},
	}

	server.ReviewQCommand.AddCommand(migrateCommand)
	server.ReviewQCommand.AddCommand(makeMigrationCommand)
	server.ReviewQCommand.AddCommand(seedCommand)
	server.ReviewQCommand.AddCommand(seedFromFileCommand)
}

func getSortedMigrationVersions() []types.MigrationVersion {
	var allVersions []types.MigrationVersion
	for migrationTime := range migrations.All {
		allVersions = append(allVersions, migrationTime)
	}
	sort.Slice(allVersions, func(i, j int) bool {
		return allVersions[i].Before(allVersions[j])
	})

	return allVersions
}

func LatestVersion() types.MigrationVersion {
	allVersions := getSortedMigrationVersions()
	return allVersions[len(allVersions)-1]
}

func getCurrentVersion(ctx context.Context, conn db.ConnOrTx) (types.MigrationVersion, error) {
	var currentVersion time.Time
	err := conn.QueryRow(ctx, "SELECT version FROM reviewq_migration").Scan(&currentVersion)
	if err != nil {
		return types.MigrationVersion{}, err
	}
	return types.MigrationVersion(currentVersion.UTC()), nil
}

func ListMigrations() {
	ctx := context.Background()

	var currentVersion types.MigrationVersion
	if conn, err := db.NewConn(ctx); err == nil {
		currentVersion, _ = getCurrentVersion(ctx, conn)
		conn.Close(ctx)
	}

	for _, version := range getSortedMigrationVersions() {
		migration := migrations.All[version]
		indicator := "  "
		if version.Equal(currentVersion) {
			indicator = "✔ "
		}
		fmt.Printf("%s%v (%s: %s)\n", indicator, version, migration.Name(), migration.Description())
	}
}

/*
Rolls the database forward or back to targetVersion, one transaction per
migration. A zero targetVersion means the latest migration.
*/
func Migrate(ctx context.Context, targetVersion types.MigrationVersion) error {
	conn, err := db.NewConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return MigrateConn(ctx, conn, targetVersion)
}

func MigrateConn(ctx context.Context, conn *pgx.Conn, targetVersion types.MigrationVersion) error {
	// create migration table
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS reviewq_migration (
			version		TIMESTAMP WITH TIME ZONE
		)
	`)
	if err != nil {
		return oops.New(err, "failed to create migration table")
	}

	// ensure there is a row
	numRows, err := db.QueryOneScalar[int](ctx, conn, "SELECT COUNT(*) FROM reviewq_migration")
	if err != nil {
		return oops.New(err, "failed to count migration rows")
	}
	if numRows < 1 {
		_, err := conn.Exec(ctx, "INSERT INTO reviewq_migration (version) VALUES ($1)", time.Time{})
		if err != nil {
			return oops.New(err, "failed to insert initial migration row")
		}
	}

	currentVersion, err := getCurrentVersion(ctx, conn)
	if err != nil {
		return oops.New(err, "failed to get current version")
	}
	if currentVersion.IsZero() {
		fmt.Println("This is the first time you have run database migrations.")
	} else {
		fmt.Printf("Current version: %s\n", currentVersion.String())
	}

	allVersions := getSortedMigrationVersions()
	if targetVersion.IsZero() {
		targetVersion = allVersions[len(allVersions)-1]
	}

	currentIndex := -1
	targetIndex := -1
	for i, version := range allVersions {
		if currentVersion.Equal(version) {
			currentIndex = i
		}
		if targetVersion.Equal(version) {
			targetIndex = i
		}
	}

	if targetIndex < 0 {
		return fmt.Errorf("could not find migration with version %v", targetVersion)
	}

	if currentIndex < targetIndex {
		// roll forward
		for i := currentIndex + 1; i <= targetIndex; i++ {
			version := allVersions[i]
			migration := migrations.All[version]
			fmt.Printf("Applying migration %v (%v)\n", version, migration.Name())

			err := applyInTx(ctx, conn, version, migration.Up)
			if err != nil {
				return oops.New(err, "migration %v failed", version)
			}
		}
	} else if currentIndex > targetIndex {
		// roll back
		for i := currentIndex; i > targetIndex; i-- {
			version := allVersions[i]
			previousVersion := types.MigrationVersion{}
			if i > 0 {
				previousVersion = allVersions[i-1]
			}

			fmt.Printf("Rolling back migration %v\n", version)
			migration := migrations.All[version]
			err := applyInTx(ctx, conn, previousVersion, migration.Down)
			if err != nil {
				return oops.New(err, "rolling back migration %v failed", version)
			}
		}
	} else {
		fmt.Println("Already migrated; nothing to do.")
	}
	return nil
}

// Runs step and records newVersion in the same transaction.
func applyInTx(ctx context.Context, conn *pgx.Conn, newVersion types.MigrationVersion, step func(context.Context, pgx.Tx) error) error {
	return db.InTx(ctx, conn, func(tx pgx.Tx) error {
		if err := step(ctx, tx); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "UPDATE reviewq_migration SET version = $1", time.Time(newVersion))
		if err != nil {
			return oops.New(err, "failed to update version in migrations table")
		}
		return nil
	})
}

//go:embed migrationTemplate.txt
var migrationTemplate string

func MakeMigration(name, description string) {
	result := migrationTemplate
	result = strings.ReplaceAll(result, "%NAME%", name)
	result = strings.ReplaceAll(result, "%DESCRIPTION%", fmt.Sprintf("%#v", description))

	now := time.Now().UTC()
	nowConstructor := fmt.Sprintf("time.Date(%d, %d, %d, %d, %d, %d, 0, time.UTC)", now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second())
	result = strings.ReplaceAll(result, "%DATE%", nowConstructor)

	safeVersion := strings.ReplaceAll(types.MigrationVersion(now).String(), ":", "")
	filename := fmt.Sprintf("%v_%v.go", safeVersion, name)
	path := filepath.Join("src", "migration", "migrations", filename)

	utils.Must(os.WriteFile(path, []byte(result), 0644))

	fmt.Println("Successfully created migration file:")
	fmt.Println(path)
}
