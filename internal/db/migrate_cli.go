package db

import (
	"fmt"
	"io"
	"io/fs"
	"strconv"
)

const migrateUsage = `Usage: biostate migrate <command> [args]

Commands:
  up               Apply all pending migrations
  down             Roll back the most recent migration
  status           Show the current and latest schema versions
  version <N>      Migrate up or down to version N
  force <N> --yes  Set the version to N without running migrations
                   (recovery from a dirty state only)
  help             Show this message
`

// RunMigrateCommand runs a migrate subcommand against the database at
// dbPath using the embedded migrations.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(out, migrateUsage)
		return nil
	}

	database, err := OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	return runMigrate(database, MigrationsFS(), args, out)
}

func runMigrate(database *DB, migrations fs.FS, args []string, out io.Writer) error {
	switch args[0] {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "All migrations applied")
		return printVersion(database, migrations, out)

	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "Rolled back one migration")
		return printVersion(database, migrations, out)

	case "status":
		s, err := database.GetMigrationStatus(migrations)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "=== Migration Status ===")
		fmt.Fprintf(out, "Current version: %d\n", s.Version)
		fmt.Fprintf(out, "Latest version: %d\n", s.Latest)
		fmt.Fprintf(out, "Dirty: %v\n", s.Dirty)
		fmt.Fprintf(out, "Schema migrations table exists: %v\n", s.TableExists)
		if s.Dirty {
			fmt.Fprintln(out, "\nWARNING: a migration failed mid-execution. Inspect the database, fix it,")
			fmt.Fprintln(out, "then run: biostate migrate force <version> --yes")
		} else if s.PendingUpdate {
			fmt.Fprintln(out, "\nPending migrations; run: biostate migrate up")
		}
		return nil

	case "version":
		if len(args) < 2 {
			return fmt.Errorf("version requires a target version")
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		if err := database.MigrateTo(migrations, uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migrated to version %d\n", v)
		return nil

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("force requires a version")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		if len(args) < 3 || args[2] != "--yes" {
			return fmt.Errorf("force rewrites the schema version without migrating; rerun with --yes to confirm")
		}
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migration version forced to %d\n", v)
		return nil
	}
	return fmt.Errorf("unknown migrate command %q", args[0])
}

func printVersion(database *DB, migrations fs.FS, out io.Writer) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}
