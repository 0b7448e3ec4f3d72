package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"depot/internal/client"
)

var depotClient *client.Client

var rootCmd = &cobra.Command{
	Use:   "depot",
	Short: "Depot client - token-gated file uploads",
	Long: `Depot client is a command-line tool for working with a depot server.

Features:
  • Mint upload tokens (admin)
  • Upload files, or whole directories as zip archives
  • Download files, with on-the-fly image resizing
  • Inspect file metadata and server statistics
  • Sweep expired tokens (admin)

Quick start:
  depot token --category image --uses 3        # Mint an upload token
  depot upload photo.png --token <secret>      # Upload a file
  depot get ab12cd34.png -o photo.png          # Download it back
  depot config set server https://depot.example.com`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		server := viper.GetString("server")
		if server == "" {
			server = "http://localhost:8080"
		}
		depotClient = client.New(server, viper.GetString("admin_key"))
	},
}

var tokenCmd = &cobra.Command{
	Use:     "token",
	Aliases: []string{"t"},
	Short:   "Mint a new upload token (admin)",
	Long: `Mint a new upload token. Requires the admin key, set with
--admin-key or "depot config set admin_key <key>".

The secret is printed once and never shown again; the server keeps
only its digest.

Example: depot token --category image --uses 3 --expires 48`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		uses, _ := cmd.Flags().GetInt("uses")
		expires, _ := cmd.Flags().GetFloat64("expires")
		sizeLimit, _ := cmd.Flags().GetInt64("size-limit")
		createdBy, _ := cmd.Flags().GetString("created-by")

		req := client.TokenRequest{
			Category:       category,
			MaxUses:        uses,
			ExpiresInHours: expires,
			CreatedBy:      createdBy,
		}
		if sizeLimit > 0 {
			req.MaxFileSize = &sizeLimit
		}

		grant, err := depotClient.GenerateToken(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("error minting token: %w", err)
		}

		fmt.Printf("Token minted!\n")
		fmt.Printf("Secret: %s\n", grant.Token)
		fmt.Printf("Category: %s\n", grant.Category)
		fmt.Printf("Max uses: %d\n", grant.MaxUses)
		if grant.ExpiresAt != nil {
			fmt.Printf("Expires: %s\n", grant.ExpiresAt.Format(time.RFC3339))
		} else {
			fmt.Printf("Expires: never\n")
		}
		fmt.Printf("\nStore the secret now, it cannot be retrieved again.\n")
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:     "upload <path>",
	Aliases: []string{"u", "up"},
	Short:   "Upload a file or directory",
	Long: `Upload a file to the depot server. Directories are zipped
before uploading.

The upload token comes from --token or from the configured default
("depot config set token <secret>").

Examples:
  depot upload photo.png --token <secret>
  depot upload ./reports            # uploaded as reports.zip`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = viper.GetString("token")
		}
		if token == "" {
			return fmt.Errorf("upload token required (--token or \"depot config set token <secret>\")")
		}

		path := args[0]
		stat, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}

		var info *client.FileInfo
		if stat.IsDir() {
			fmt.Printf("Compressing directory %s...\n", path)
			info, err = depotClient.UploadDirectory(cmd.Context(), token, path)
		} else {
			info, err = depotClient.Upload(cmd.Context(), token, path)
		}
		if err != nil {
			return fmt.Errorf("error uploading: %w", err)
		}

		printFileInfo(info)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get <identifier>",
	Aliases: []string{"g", "download"},
	Short:   "Download a file",
	Long: `Download a file by its id or stored name.

For images, the server can resize and re-encode on the fly:
  depot get ab12cd34.png --width 800 --format jpeg

Use -o - to write the bytes to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		width, _ := cmd.Flags().GetInt("width")
		height, _ := cmd.Flags().GetInt("height")
		quality, _ := cmd.Flags().GetInt("quality")
		format, _ := cmd.Flags().GetString("format")

		var q *client.TransformQuery
		if width > 0 || height > 0 || quality > 0 || format != "" {
			q = &client.TransformQuery{Width: width, Height: height, Quality: quality, Format: format}
		}

		body, contentType, err := depotClient.Download(cmd.Context(), args[0], q)
		if err != nil {
			return fmt.Errorf("error downloading: %w", err)
		}
		defer body.Close()

		if output == "-" {
			_, err = io.Copy(os.Stdout, body)
			return err
		}
		if output == "" {
			output = filepath.Base(args[0])
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		defer f.Close()

		n, err := io.Copy(f, body)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}

		fmt.Printf("Saved %s (%d bytes, %s)\n", output, n, contentType)
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:     "info <identifier>",
	Aliases: []string{"i"},
	Short:   "Show file metadata",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := depotClient.Info(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error fetching info: %w", err)
		}

		fmt.Printf("ID: %s\n", info.ID)
		fmt.Printf("Filename: %s\n", info.Filename)
		fmt.Printf("Stored name: %s\n", info.StoredName)
		fmt.Printf("Category: %s\n", info.Category)
		fmt.Printf("Type: %s\n", info.MimeType)
		fmt.Printf("Size: %d bytes\n", info.SizeBytes)
		fmt.Printf("SHA-256: %s\n", info.SHA256)
		fmt.Printf("Downloads: %d\n", info.DownloadCount)
		fmt.Printf("Uploaded: %s\n", info.CreatedAt.Format(time.RFC3339))
		fmt.Printf("URL: %s\n", info.URL)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired tokens on the server (admin)",
	Long: `Delete expired upload tokens. Files uploaded with a swept
token stay available; only the token rows are removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := depotClient.SweepTokens(cmd.Context())
		if err != nil {
			return fmt.Errorf("error sweeping tokens: %w", err)
		}
		fmt.Printf("Removed %d expired tokens\n", removed)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := depotClient.ServerStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("error fetching stats: %w", err)
		}

		fmt.Printf("Files: %d\n", stats.TotalFiles)
		fmt.Printf("Downloads: %d\n", stats.TotalDownloads)
		fmt.Printf("Active tokens: %d\n", stats.ActiveTokens)
		fmt.Printf("Storage used: %s (%d bytes)\n", stats.StorageUsedHuman, stats.StorageUsedBytes)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	Aliases: []string{"c", "cfg"},
	Short:   "Manage client configuration",
	Long: `Manage client configuration settings.

Configuration is stored in ~/.depot/config.yaml`,
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Aliases: []string{"s"},
	Short:   "Set a configuration value",
	Long: `Set a configuration value.

Available keys:
  • server: Server URL (e.g., https://depot.example.com)
  • admin_key: Admin key for token minting and sweeping
  • token: Default upload token

Example: depot config set server https://depot.example.com`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		value := args[1]

		viper.Set(key, value)
		err := viper.WriteConfig()
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// First run, no config file yet.
			err = viper.SafeWriteConfig()
		}
		if err != nil {
			return fmt.Errorf("error saving configuration: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:     "get <key>",
	Aliases: []string{"g"},
	Short:   "Get a configuration value",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		value := viper.GetString(key)

		if value == "" {
			fmt.Printf("%s is not set\n", key)
		} else {
			fmt.Printf("%s = %s\n", key, value)
		}
		return nil
	},
}

func printFileInfo(info *client.FileInfo) {
	if info.Duplicate {
		fmt.Printf("Already stored, reusing the existing file.\n")
	} else {
		fmt.Printf("Upload successful!\n")
	}
	fmt.Printf("ID: %s\n", info.ID)
	fmt.Printf("URL: %s\n", info.URL)
	fmt.Printf("Category: %s\n", info.Category)
	fmt.Printf("Size: %d bytes\n", info.SizeBytes)
	fmt.Printf("SHA-256: %s\n", info.SHA256)
}

func init() {
	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".depot")
	os.MkdirAll(configDir, 0755)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")
	viper.ReadInConfig() // Ignore errors if config file doesn't exist

	rootCmd.PersistentFlags().StringP("server", "s", "", "Server URL (default: http://localhost:8080)")
	rootCmd.PersistentFlags().String("admin-key", "", "Admin key for token minting and sweeping")
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("admin_key", rootCmd.PersistentFlags().Lookup("admin-key"))

	tokenCmd.Flags().StringP("category", "c", "", "Restrict the token to one category (image, video, document, audio, archive, other)")
	tokenCmd.Flags().IntP("uses", "u", 1, "How many uploads the token allows")
	tokenCmd.Flags().Float64P("expires", "e", 0, "Token lifetime in hours (0 = server default, negative = never)")
	tokenCmd.Flags().Int64("size-limit", 0, "Per-file size limit in bytes (0 = category limit)")
	tokenCmd.Flags().String("created-by", "", "Operator name recorded with the token")

	uploadCmd.Flags().StringP("token", "t", "", "Upload token (falls back to the configured token)")

	getCmd.Flags().StringP("output", "o", "", "Output path (\"-\" for stdout, default: identifier)")
	getCmd.Flags().Int("width", 0, "Resize images to fit this width")
	getCmd.Flags().Int("height", 0, "Resize images to fit this height")
	getCmd.Flags().IntP("quality", "q", 0, "Encode quality 1-100 (default 80)")
	getCmd.Flags().StringP("format", "f", "", "Output format: webp, jpeg or png")

	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
