package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Broker     BrokerConfig     `mapstructure:"broker" validate:"required"`
	Worker     WorkerConfig     `mapstructure:"worker" validate:"required"`
	Pagination PaginationConfig `mapstructure:"pagination" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port      int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel  string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"required,oneof=json text"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL                    string `mapstructure:"url" validate:"required,url"`
	MaxOpenConns           int    `mapstructure:"max_open_conns" validate:"gt=0"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetimeMinutes int    `mapstructure:"conn_max_lifetime_minutes" validate:"gte=0"`
}

// BrokerConfig selects and configures the message broker.
type BrokerConfig struct {
	// Driver is amqp, redis or memory. The memory driver keeps messages in-process
	// and therefore requires the embedded worker.
	Driver      string `mapstructure:"driver" validate:"required,oneof=amqp redis memory"`
	URL         string `mapstructure:"url" validate:"required_unless=Driver memory"`
	Queue       string `mapstructure:"queue" validate:"required"`
	MaxPriority int    `mapstructure:"max_priority" validate:"gte=1,lte=255"`
}

// WorkerConfig contains settings for the task consumer.
type WorkerConfig struct {
	Concurrency   int  `mapstructure:"concurrency" validate:"gt=0"`
	PrefetchCount int  `mapstructure:"prefetch_count" validate:"gt=0"`
	Embedded      bool `mapstructure:"embedded"`
}

// PaginationConfig bounds the page sizes accepted by list endpoints.
type PaginationConfig struct {
	DefaultPageSize int `mapstructure:"default_page_size" validate:"gt=0,ltefield=MaxPageSize"`
	MaxPageSize     int `mapstructure:"max_page_size" validate:"gt=0"`
}
