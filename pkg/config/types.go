package config

// Config defines gateway-level configuration options.
type Config struct {
	Port                 int    `toml:"port" env:"PORT"`                                    // TCP listening port (defaults to 30000)
	Address              string `toml:"address" env:"ADDRESS"`                              // TCP bind address (defaults to 0.0.0.0)
	Experimental         bool   `toml:"experimental" env:"EXPERIMENTAL"`                    // Enable experimental routes and protocols (defaults to false)
	LogLevel             string `toml:"logLevel" env:"LOG_LEVEL"`                           // Logging level (defaults to info)
	LogFile              string `toml:"logFile" env:"LOG_FILE"`                             // Rotating log file, empty logs to stdout only
	EnableMulticore      bool   `toml:"multicore" env:"MULTICORE"`                          // Whether to use multiple event loops (defaults to true)
	NumEventLoop         int    `toml:"numEventLoop" env:"NUM_EVENT_LOOP"`                  // Event loop count, 0 lets gnet decide
	MaxConnections       int    `toml:"maxConnections" env:"MAX_CONNECTIONS"`               // Maximum simultaneous connections (defaults to 1024)
	IdleTimeout          int    `toml:"idleTimeout" env:"IDLE_TIMEOUT"`                     // Idle connection timeout in seconds, 0 disables (defaults to 60)
	HandlerTimeout       int    `toml:"handlerTimeout" env:"HANDLER_TIMEOUT"`               // Handler deadline in seconds, 0 disables (defaults to 30)
	ShutdownTimeout      int    `toml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`             // Graceful shutdown timeout in seconds (defaults to 15)
	EnableKeepAlive      bool   `toml:"enableKeepAlive" env:"ENABLE_KEEP_ALIVE"`            // Whether to enable TCP keep-alive (defaults to true)
	WorkerPoolSize       int    `toml:"workerPoolSize" env:"WORKER_POOL_SIZE"`              // Handler worker pool size (defaults to 200)
	MaxInitialLineLength int    `toml:"maxInitialLineLength" env:"MAX_INITIAL_LINE_LENGTH"` // HTTP request line limit (defaults to 4096)
	MaxHeaderSize        int    `toml:"maxHeaderSize" env:"MAX_HEADER_SIZE"`                // HTTP header block limit (defaults to 8192)
	MaxAggregateSize     int    `toml:"maxAggregateSize" env:"MAX_AGGREGATE_SIZE"`          // HTTP body limit (defaults to 65536)
	RPCMaxFrameSize      int    `toml:"rpcMaxFrameSize" env:"RPC_MAX_FRAME_SIZE"`           // muxrpc frame limit (defaults to 16 MiB)
	RPCOffload           bool   `toml:"rpcOffload" env:"RPC_OFFLOAD"`                       // Run muxrpc calls on the worker pool (defaults to false)
	EnablePacketLogging  bool   `toml:"enablePacketLogging" env:"ENABLE_PACKET_LOGGING"`    // Whether request and frame logging should be enabled
	MetricsAddress       string `toml:"metricsAddress" env:"METRICS_ADDRESS"`               // Prometheus listener, empty disables (defaults to 127.0.0.1:9090)
}

func Port() int                 { return c.Port }
func Address() string           { return c.Address }
func Experimental() bool        { return c.Experimental }
func LogLevel() string          { return c.LogLevel }
func LogFile() string           { return c.LogFile }
func EnableMulticore() bool     { return c.EnableMulticore }
func NumEventLoop() int         { return c.NumEventLoop }
func MaxConnections() int       { return c.MaxConnections }
func IdleTimeout() int          { return c.IdleTimeout }
func HandlerTimeout() int       { return c.HandlerTimeout }
func ShutdownTimeout() int      { return c.ShutdownTimeout }
func EnableKeepAlive() bool     { return c.EnableKeepAlive }
func WorkerPoolSize() int       { return c.WorkerPoolSize }
func MaxInitialLineLength() int { return c.MaxInitialLineLength }
func MaxHeaderSize() int        { return c.MaxHeaderSize }
func MaxAggregateSize() int     { return c.MaxAggregateSize }
func RPCMaxFrameSize() int      { return c.RPCMaxFrameSize }
func RPCOffload() bool          { return c.RPCOffload }
func EnablePacketLogging() bool { return c.EnablePacketLogging }
func MetricsAddress() string    { return c.MetricsAddress }
