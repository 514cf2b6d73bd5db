package config

const (
	// BinanceWebsocketURL is the binance exchange websocket url.
	BinanceWebsocketURL = "wss://stream.binance.com:9443/ws"
	// BinanceRESTBaseURL is the binance exchange base REST url.
	BinanceRESTBaseURL = "https://api.binance.com/api/v3/"

	// CoinbaseWebsocketURL is the coinbase exchange websocket url.
	CoinbaseWebsocketURL = "wss://ws-feed.exchange.coinbase.com/"
	// CoinbaseRESTBaseURL is the coinbase exchange base REST url.
	CoinbaseRESTBaseURL = "https://api.exchange.coinbase.com/"
)

// Config contains config values for the app.
// Struct values are loaded from user defined JSON config file.
type Config struct {
	Exchanges  []Exchange `json:"exchanges"`
	Connection Connection `json:"connection"`
	Storage    Storage    `json:"storage"`
	ES         ES         `json:"elastic_search"`
	Log        Log        `json:"log"`
}

// Exchange contains config values for one exchange feed and its sync jobs.
type Exchange struct {
	Name  string `json:"name"`
	Jobs  []Job  `json:"jobs"`
	Retry Retry  `json:"retry"`
}

// Job describes one time series to keep synced locally.
type Job struct {
	Symbol string `json:"symbol"`
	// Channel is either "candle" or "trade".
	Channel  string `json:"channel"`
	Interval string `json:"interval"`
	// Start and End are epoch milliseconds. End zero means open-ended.
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Retry contains config values for the feed retry process.
type Retry struct {
	Number   int `json:"number"`
	ResetSec int `json:"reset_sec"`
}

// Connection contains config values for different API connections.
type Connection struct {
	WS   WS   `json:"websocket"`
	REST REST `json:"rest"`
}

// WS contains config values for websocket connection.
type WS struct {
	ConnTimeoutSec int `json:"conn_timeout_sec"`
	ReadTimeoutSec int `json:"read_timeout_sec"`
}

// REST contains config values for REST API connection.
type REST struct {
	ReqTimeoutSec       int     `json:"request_timeout_sec"`
	MaxIdleConns        int     `json:"max_idle_conns"`
	MaxIdleConnsPerHost int     `json:"max_idle_conns_per_host"`
	RatePerSec          float64 `json:"rate_per_sec"`
	RateBurst           int     `json:"rate_burst"`
}

// Storage contains config values for the local time series store.
type Storage struct {
	// Driver is "sqlite" or "mysql".
	Driver        string `json:"driver"`
	DSN           string `json:"dsn"`
	ReqTimeoutSec int    `json:"request_timeout_sec"`
	MaxOpenConns  int    `json:"max_open_conns"`
	MaxIdleConns  int    `json:"max_idle_conns"`
	BatchSize     int    `json:"batch_size"`
}

// ES contains config values for the optional elastic search mirror.
type ES struct {
	Addresses           []string `json:"addresses"`
	Username            string   `json:"username"`
	Password            string   `json:"password"`
	IndexName           string   `json:"index_name"`
	ReqTimeoutSec       int      `json:"request_timeout_sec"`
	MaxIdleConns        int      `json:"max_idle_conns"`
	MaxIdleConnsPerHost int      `json:"max_idle_conns_per_host"`
}

// Log contains config values for logging.
type Log struct {
	Level    string `json:"level"`
	FilePath string `json:"file_path"`
}
