package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env        string     `yaml:"env" env:"ENV" env-default:"local"`
	HTTPServer HTTPServer `yaml:"http_server"`
	Recording  Recording  `yaml:"recording"`
	Detector   Detector   `yaml:"detector"`
	Relay      Relay      `yaml:"relay"`
	Queue      Queue      `yaml:"queue"`
	Sync       Sync       `yaml:"sync"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	Janitor    Janitor    `yaml:"janitor"`
	DB         DB         `yaml:"db"`
}

type HTTPServer struct {
	Address      string        `yaml:"address" env:"HTTP_ADDRESS" env-default:"localhost:8090"`
	Timeout      time.Duration `yaml:"timeout" env-default:"10s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env-default:"60s"`
	RequestLimit int           `yaml:"request_limit" env-default:"600"`
	LimitWindow  time.Duration `yaml:"limit_window" env-default:"1m"`
}

type Recording struct {
	RootDir         string        `yaml:"root_dir" env:"RECORDINGS_DIR" env-default:"./recordings"`
	FFmpegPath      string        `yaml:"ffmpeg_path" env:"FFMPEG_PATH" env-default:"ffmpeg"`
	SegmentDuration time.Duration `yaml:"segment_duration" env-default:"60s"`
	SegmentExt      string        `yaml:"segment_ext" env-default:".mp4"`
	StartupGrace    time.Duration `yaml:"startup_grace" env-default:"2s"`
	StopTimeout     time.Duration `yaml:"stop_timeout" env-default:"5s"`
	ProbeSource     bool          `yaml:"probe_source" env-default:"false"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout" env-default:"3s"`
}

type Detector struct {
	SettleDelay    time.Duration `yaml:"settle_delay" env-default:"3s"`
	MinSegmentSize int64         `yaml:"min_segment_size" env-default:"10240"`
	FinalFlush     bool          `yaml:"final_flush" env-default:"true"`
}

type Relay struct {
	APIURL         string        `yaml:"api_url" env:"RELAY_API_URL" env-default:"http://localhost:1984"`
	RTSPURL        string        `yaml:"rtsp_url" env:"RELAY_RTSP_URL" env-default:"rtsp://localhost:8554"`
	StreamPrefix   string        `yaml:"stream_prefix" env-default:"rec_"`
	RequestTimeout time.Duration `yaml:"request_timeout" env-default:"5s"`
	RetryDelay     time.Duration `yaml:"retry_delay" env-default:"2s"`
}

type Queue struct {
	Path      string        `yaml:"path" env:"QUEUE_PATH" env-default:"./data/segment_queue.json"`
	Retention time.Duration `yaml:"retention" env-default:"168h"`
}

type Sync struct {
	Enabled     bool          `yaml:"enabled" env:"SYNC_ENABLED" env-default:"true"`
	Interval    time.Duration `yaml:"interval" env-default:"5s"`
	MaxRetries  int           `yaml:"max_retries" env-default:"10"`
	PushTimeout time.Duration `yaml:"push_timeout" env-default:"10s"`
}

type Scheduler struct {
	Path     string        `yaml:"path" env:"SCHEDULES_PATH" env-default:"./data/schedules.json"`
	Tick     time.Duration `yaml:"tick" env-default:"5s"`
	Window   time.Duration `yaml:"window" env-default:"10s"`
	Timezone string        `yaml:"timezone" env:"TZ_NAME" env-default:"Local"`
}

type Janitor struct {
	CleanupSpec  string `yaml:"cleanup_spec" env-default:"@every 1h"`
	DiskSpec     string `yaml:"disk_spec" env-default:"@every 5m"`
	MinFreeBytes uint64 `yaml:"min_free_bytes" env-default:"5368709120"`
}

type DB struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	Username string `yaml:"username" env:"POSTGRES_USER" env-default:"postgres"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"vigil"`
	SSLMode  string `yaml:"sslmode" env-default:"disable"`
	Password string `yaml:"-" env:"POSTGRES_PASSWORD"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

// fetchConfigPath fetches config path from command line flag or environment variable.
// Priority: flag > env > default.
func fetchConfigPath() string {
	var res string

	if flag.Lookup("config") == nil {
		flag.StringVar(&res, "config", "", "path to config file")
	}
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
