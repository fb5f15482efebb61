// Command asterix_decoder decodes ASTERIX surveillance messages.
//
// Commands:
//
//	decode [hex]   decode one message given as hex (default: stdin)
//	extract        decode a JSONL capture and write the results as JSON
//	listen         decode a live UDP or NATS feed into the configured sinks
//	serve          run the REST API
//	categories     list the registered categories
//
// Settings come from built-in defaults, the file named by --config and then
// environment variables (POSTGRES_HOST, NATS_URL, API_KEYS, ...). Extra
// category definitions are read from every --schemas directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	_ "asterix_decoder/internal/categories" // register built-in categories via init()
	"asterix_decoder/internal/config"
	"asterix_decoder/internal/registry"
	"asterix_decoder/internal/schema"
)

var (
	rootCmd = &cobra.Command{
		Use:          "asterix_decoder",
		Short:        "Decode ASTERIX surveillance messages",
		Long:         "asterix_decoder decodes EUROCONTROL ASTERIX data blocks into structured records.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
	}

	configPath string
	schemaDirs []string
	logLevel   string

	cfg config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&schemaDirs, "schemas", nil, "directories with extra XML/YAML category definitions")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides the configuration)")

	rootCmd.AddCommand(decodeCmd, extractCmd, listenCmd, serveCmd, categoriesCmd)
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logrus.Fatal(err)
	}
}

func setup() error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	c.Schemas = append(c.Schemas, schemaDirs...)

	if err := configureLogging(c.Log); err != nil {
		return err
	}
	for _, dir := range c.Schemas {
		if err := loadSchemas(registry.Default(), dir); err != nil {
			return err
		}
	}
	cfg = c
	return nil
}

func configureLogging(c config.LogConfig) error {
	lvl, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(lvl)

	switch c.Format {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	return nil
}

// loadSchemas registers every definition found in dir, replacing built-ins
// of the same category.
func loadSchemas(reg *registry.Registry, dir string) error {
	schemas, err := schema.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, s := range schemas {
		if err := reg.RegisterChecked(s); err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
		logrus.WithFields(logrus.Fields{
			"category": s.Category,
			"name":     s.Name,
			"edition":  s.Edition,
			"dir":      dir,
		}).Debug("schema loaded")
	}
	return nil
}

func marshalJSON(v any, pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}
