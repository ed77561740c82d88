package util

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/querynest/querynest/lib/config"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupScanFlags adds the flags shared by the serve and scan commands.
func SetupScanFlags(cmd *cobra.Command) {
	key := "instances"
	cmd.PersistentFlags().String(key, "", WrapString("Comma-separated list of instances to connect to. Format: NAME=URI (e.g. primary=mongodb://localhost:27017)"))

	key = "storage"
	cmd.PersistentFlags().String(key, config.StorageTypeMongo, WrapString("Metadata storage backend (mongo, file). The mongo backend writes into a querynest_metadata database on the scanned instance itself"))

	key = "metadata-dir"
	cmd.PersistentFlags().String(key, "data/metadata", WrapString("Root directory for the file storage backend (ignored for mongo)"))

	key = "semantics-dir"
	cmd.PersistentFlags().String(key, "data/semantics", WrapString("Root directory for the semantic field storage"))

	key = "scan-interval"
	cmd.PersistentFlags().Duration(key, time.Hour, WrapString("Interval between periodic scans (serve only)"))

	key = "full-scan-interval"
	cmd.PersistentFlags().Duration(key, 24*time.Hour, WrapString("Maximum age of the last successful scan before an unforced scan is upgraded to a full one"))

	key = "sample-size"
	cmd.PersistentFlags().Int(key, 100, WrapString("Number of documents sampled per collection for field analysis"))

	key = "op-timeout"
	cmd.PersistentFlags().Duration(key, 10*time.Second, WrapString("Timeout applied to every individual database operation during a scan"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "info", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitConfig initializes configuration from environment variables.
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("querynest")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetConfig reads the server configuration from viper.
func GetConfig() (*config.Config, error) {
	instances, err := config.ParseInstances(viper.GetString("instances"))
	if err != nil {
		return nil, err
	}

	conf := &config.Config{
		Instances:        instances,
		StorageType:      viper.GetString("storage"),
		MetadataDir:      viper.GetString("metadata-dir"),
		SemanticsDir:     viper.GetString("semantics-dir"),
		ScanInterval:     viper.GetDuration("scan-interval"),
		FullScanInterval: viper.GetDuration("full-scan-interval"),
		SampleSize:       viper.GetInt("sample-size"),
		OpTimeout:        viper.GetDuration("op-timeout"),
		Endpoint:         viper.GetString("endpoint"),
		LogLevel:         viper.GetString("log-level"),
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
