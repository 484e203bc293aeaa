package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaymux/relaymux/internal/config"
	log "github.com/relaymux/relaymux/internal/logging"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Run: func(c *cobra.Command, args []string) {
		path := cfgFile
		if path == "" {
			path = defaultConfigFile
		}
		if _, err := os.Stat(path); err == nil {
			log.Fatalf("refusing to overwrite existing %s", path)
		}
		data := config.GenerateDefaultConfigYAML()
		if data == nil {
			log.Fatalf("failed to render default config")
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}
		fmt.Printf("wrote %s\n", path)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
