package metrics

import "codeberg.org/mutker/loadctl/internal/errors"

const (
	// File system permissions and paths
	defaultDirPerm   = 0o755
	defaultDBPath    = "loadctl.db"
	defaultBatchSize = 50
)

type Config struct {
	DBPath    string
	BackupDir string // defaults to a backups directory next to DBPath
	BatchSize int
	Enabled   bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:    defaultDBPath,
		BatchSize: defaultBatchSize,
		Enabled:   false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if the archive is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 {
		return errFactory.WithData(ErrInvalidConfig, "metrics batch size must be >= 0")
	}
	return nil
}
