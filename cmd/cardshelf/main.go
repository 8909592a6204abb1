package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"cardshelf/internal/app"
	"cardshelf/internal/card"
	"cardshelf/internal/config"
	"cardshelf/internal/shelf"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp reads the config, creates an App for command and runs fn with it.
func withApp(cmd *cobra.Command, command string, fn func(ctx context.Context, a *app.App) error) error {
	defaults, err := app.GetDefaults()
	if err != nil {
		return fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cfg, defaults["config_path"], command)
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}
	defer a.Close()

	err = fn(cmd.Context(), a)
	a.Fail(err)
	return err
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string, confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("passphrase prompt needs a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Repeat passphrase: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		if string(again) != string(pass) {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return string(pass), nil
}

var rootCmd = &cobra.Command{
	Use:          "cardshelf",
	Short:        "Local library manager for character card PNGs",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		folder := cfg.Library.CardsFolderPath
		if folder == "" {
			folder = "(none)"
		}
		snapshot := cfg.Snapshot.Type
		if snapshot == "" {
			snapshot = "(disabled)"
		}
		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Cards Folder: %s\n", folder)
		fmt.Printf("Database:     %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Server:       %s\n", cfg.Server.Addr)
		fmt.Printf("Snapshots:    %s\n", snapshot)
		return nil
	},
}

// settings command
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage the cards folder",
}

var settingsSetFolderCmd = &cobra.Command{
	Use:   "set-folder PATH",
	Short: "Set the cards folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "SetCardsFolder", func(ctx context.Context, a *app.App) error {
			folder, err := a.SetCardsFolder(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Cards folder: %s\n", folder)
			return nil
		})
	},
}

var settingsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the cards folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ClearCardsFolder", func(ctx context.Context, a *app.App) error {
			if _, err := a.SetCardsFolder(ctx, ""); err != nil {
				return err
			}
			fmt.Println("Cards folder cleared.")
			return nil
		})
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, scanner and folder watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Serve", func(ctx context.Context, a *app.App) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Serve(ctx)
		})
	},
}

// scan command
var scanCmd = &cobra.Command{
	Use:   "scan [FOLDER]",
	Short: "Scan the cards folder once",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		folder := ""
		if len(args) > 0 {
			folder = args[0]
		}
		return withApp(cmd, "Scan", func(ctx context.Context, a *app.App) error {
			start := time.Now()
			res, err := a.Scan(ctx, folder, func(p shelf.Progress) {
				if p.Kind == shelf.ProgressFile && term.IsTerminal(int(os.Stdout.Fd())) {
					fmt.Printf("\r%d/%d", p.Processed, p.Total)
				}
			})
			if term.IsTerminal(int(os.Stdout.Fd())) {
				fmt.Print("\r")
			}
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}
			fmt.Printf("Scanned %d file(s) in %s: %d indexed, %d unchanged, %d failed\n",
				res.TotalFiles, time.Since(start).Truncate(time.Millisecond),
				res.Indexed, res.Unchanged, res.Failed)
			if res.RemovedFiles > 0 || res.RemovedCards > 0 {
				fmt.Printf("Removed %d missing file(s), %d card(s)\n", res.RemovedFiles, res.RemovedCards)
			}
			return nil
		})
	},
}

// cards command
var cardsCmd = &cobra.Command{
	Use:   "cards",
	Short: "Query and manage cards",
}

var cardsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cards",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := shelf.CardQuery{Sort: shelf.SortCreatedAt, Descending: true}
		q.Name, _ = cmd.Flags().GetString("name")
		q.Creators, _ = cmd.Flags().GetStringSlice("creator")
		q.Tags, _ = cmd.Flags().GetStringSlice("tag")
		q.Limit, _ = cmd.Flags().GetInt("limit")
		specs, _ := cmd.Flags().GetStringSlice("spec")
		for _, s := range specs {
			v, err := card.ParseSpecVersion(s)
			if err != nil {
				return err
			}
			q.SpecVersions = append(q.SpecVersions, v)
		}
		if byName, _ := cmd.Flags().GetBool("by-name"); byName {
			q.Sort = shelf.SortName
		}
		if asc, _ := cmd.Flags().GetBool("asc"); asc {
			q.Descending = false
		}

		return withApp(cmd, "ListCards", func(ctx context.Context, a *app.App) error {
			cards, err := a.ListCards(ctx, q)
			if err != nil {
				return err
			}
			if len(cards) == 0 {
				fmt.Println("No cards found.")
				return nil
			}
			for _, c := range cards {
				dup := ""
				if c.FileCount > 1 {
					dup = fmt.Sprintf("  [%d files]", c.FileCount)
				}
				fmt.Printf("%s  %s  %-4s %-30s %-16s %s%s\n",
					c.ID,
					c.CreatedAt.Format("2006-01-02 15:04"),
					c.SpecVersion,
					c.Name,
					c.Creator,
					strings.Join(c.Tags, ","),
					dup,
				)
			}
			return nil
		})
	},
}

var cardsShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a card and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ShowCard", func(ctx context.Context, a *app.App) error {
			d, err := a.Card(ctx, args[0])
			if err != nil {
				return err
			}
			c := d.Card
			fmt.Printf("ID:       %s\n", c.ID)
			fmt.Printf("Name:     %s\n", c.Name)
			fmt.Printf("Creator:  %s\n", c.Creator)
			fmt.Printf("Spec:     %s\n", c.Spec)
			fmt.Printf("Tags:     %s\n", strings.Join(c.Tags, ", "))
			fmt.Printf("Created:  %s\n", c.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Tokens:   ~%d\n", c.Derived.PromptTokensEst)
			fmt.Printf("Greetings: %d alternate\n", c.Derived.AlternateGreetingsCount)
			fmt.Println("Files:")
			for _, f := range d.Files {
				primary := ""
				if f.Path == d.PrimaryFile {
					primary = "  [primary]"
				}
				fmt.Printf("  %s  %d bytes%s\n", f.Path, f.Size, primary)
			}
			return nil
		})
	},
}

var cardsExportCmd = &cobra.Command{
	Use:   "export ID",
	Short: "Write a card's original JSON, or its image with the JSON embedded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		asPNG, _ := cmd.Flags().GetBool("png")
		return withApp(cmd, "ExportCard", func(ctx context.Context, a *app.App) error {
			export := a.ExportCard
			if asPNG {
				export = a.ExportCardPNG
			}
			if out == "" || out == "-" {
				return export(ctx, args[0], os.Stdout)
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("creating %s: %w", out, err)
			}
			if err := export(ctx, args[0], f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		})
	},
}

var cardsRemoveDuplicateCmd = &cobra.Command{
	Use:   "remove-duplicate ID PATH",
	Short: "Delete one duplicate file of a card from disk",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "RemoveDuplicate", func(ctx context.Context, a *app.App) error {
			if err := a.RemoveDuplicate(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[1])
			return nil
		})
	},
}

var cardsSetPrimaryCmd = &cobra.Command{
	Use:   "set-primary ID [PATH]",
	Short: "Pin a card's primary file (no PATH clears the pin)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) > 1 {
			path = args[1]
		}
		return withApp(cmd, "SetPrimaryFile", func(ctx context.Context, a *app.App) error {
			return a.SetPrimaryFile(ctx, args[0], path)
		})
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Copy the index to and from the snapshot vault",
}

var snapshotKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create the snapshot encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "SnapshotKeygen", func(ctx context.Context, a *app.App) error {
			pass, err := readPassphrase("New passphrase: ", true)
			if err != nil {
				return err
			}
			recipient, err := a.SnapshotKeygen(pass)
			if err != nil {
				return err
			}
			fmt.Printf("Public key: %s\n", recipient)
			return nil
		})
	},
}

var snapshotCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the vault is reachable and writable",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "SnapshotCheck", func(ctx context.Context, a *app.App) error {
			if err := a.SnapshotCheck(ctx); err != nil {
				return err
			}
			fmt.Println("Vault OK.")
			return nil
		})
	},
}

var snapshotPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload a snapshot of the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "SnapshotPush", func(ctx context.Context, a *app.App) error {
			info, err := a.SnapshotPush(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Pushed %s version %d (%d bytes)\n", info.Object, info.Version, info.Size)
			return nil
		})
	},
}

var snapshotPullCmd = &cobra.Command{
	Use:   "pull DEST",
	Short: "Download the newest snapshot to DEST",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "SnapshotPull", func(ctx context.Context, a *app.App) error {
			info, err := a.SnapshotPull(ctx, args[0], func() (string, error) {
				return readPassphrase("Passphrase: ", false)
			})
			if err != nil {
				return err
			}
			fmt.Printf("Pulled %s version %d to %s\n", info.Object, info.Version, args[0])
			return nil
		})
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// settings subcommands
	settingsCmd.AddCommand(settingsSetFolderCmd)
	settingsCmd.AddCommand(settingsClearCmd)

	// cards subcommands
	cardsCmd.AddCommand(cardsListCmd)
	cardsListCmd.Flags().String("name", "", "Name substring")
	cardsListCmd.Flags().StringSlice("creator", nil, "Creator (repeatable)")
	cardsListCmd.Flags().StringSlice("tag", nil, "Required tag (repeatable)")
	cardsListCmd.Flags().StringSlice("spec", nil, "Spec version: 1.0, 2.0 or 3.0 (repeatable)")
	cardsListCmd.Flags().Bool("by-name", false, "Sort by name instead of creation time")
	cardsListCmd.Flags().Bool("asc", false, "Ascending order")
	cardsListCmd.Flags().IntP("limit", "n", 0, "Maximum number of cards to show")
	cardsCmd.AddCommand(cardsShowCmd)
	cardsCmd.AddCommand(cardsExportCmd)
	cardsExportCmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	cardsExportCmd.Flags().Bool("png", false, "Export the primary PNG with the card chunk rewritten")
	cardsCmd.AddCommand(cardsRemoveDuplicateCmd)
	cardsCmd.AddCommand(cardsSetPrimaryCmd)

	// snapshot subcommands
	snapshotCmd.AddCommand(snapshotKeygenCmd)
	snapshotCmd.AddCommand(snapshotCheckCmd)
	snapshotCmd.AddCommand(snapshotPushCmd)
	snapshotCmd.AddCommand(snapshotPullCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(cardsCmd)
	rootCmd.AddCommand(snapshotCmd)
}
