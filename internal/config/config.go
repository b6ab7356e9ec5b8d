package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RoutesBuiltin  = "builtin"
	RoutesFile     = "file"
	RoutesPostgres = "postgres"
)

// Routes selects where the route catalog comes from.
type Routes struct {
	Source          string
	File            string
	DatabaseURL     string
	City            string
	RouteIDs        []string
	DefaultAvgSpeed float64
}

type Config struct {
	HTTPAddr          string
	WSPath            string
	MaxAge            time.Duration
	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
	SendBuffer        int
	MaxSpeedKmh       float64
	SpeedLimitKmh     float64
	OverspeedPolicy   string
	ScoreRecovery     string
	Routes            Routes
	NATSURL           string
	NATSSubjectPrefix string
	NATSIngestSubject string
	LogNATSSubjects   bool
	MetricsAddr       string
	LogLevel          string
	LogFormat         string
	ShutdownTimeout   time.Duration
}

// Vehicle is one simulated bus: id, route and base speed.
type Vehicle struct {
	ID           string
	RouteID      string
	BaseSpeedKmh float64
}

type Simulator struct {
	APIURL          string
	Interval        time.Duration
	SpeedMultiplier float64
	Vehicles        []Vehicle
	Routes          Routes
	LogLevel        string
	LogFormat       string
}

const defaultSimVehicles = "TN-THJ-23:R12:35,TN-THJ-45:R08:40,TN-THJ-77:R15:45"

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		WSPath:            getenvDefault("WS_PATH", "/ws/live"),
		OverspeedPolicy:   strings.ToLower(getenvDefault("OVERSPEED_POLICY", "sustained")),
		ScoreRecovery:     strings.ToLower(getenvDefault("SCORE_RECOVERY", "none")),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getenvDefault("NATS_SUBJECT_PREFIX", "vehicles"),
		NATSIngestSubject: os.Getenv("NATS_INGEST_SUBJECT"),
		LogNATSSubjects:   parseBool(os.Getenv("LOG_NATS_SUBJECTS")),
		// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		LogLevel:    getenvDefault("LOG_LEVEL", "info"),
		LogFormat:   getenvDefault("LOG_FORMAT", "text"),
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		return nil, fmt.Errorf("invalid WS_PATH: %q", cfg.WSPath)
	}

	var err error
	if cfg.MaxAge, err = seconds("MAX_GPS_AGE_SECONDS", 30); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = seconds("CLEANUP_INTERVAL_SEC", 60); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = seconds("HEARTBEAT_INTERVAL_SEC", 30); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = seconds("SHUTDOWN_TIMEOUT_SEC", 10); err != nil {
		return nil, err
	}
	if cfg.SendBuffer, err = positiveInt("WS_SEND_BUFFER", 64); err != nil {
		return nil, err
	}
	if cfg.MaxSpeedKmh, err = positiveFloat("MAX_SPEED_KMH", 120); err != nil {
		return nil, err
	}
	if cfg.SpeedLimitKmh, err = positiveFloat("SPEED_LIMIT_KMH", 40); err != nil {
		return nil, err
	}
	if cfg.Routes, err = loadRoutes(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadSimulator() (*Simulator, error) {
	_ = godotenv.Load()

	cfg := &Simulator{
		APIURL:    getenvDefault("SIM_API_URL", "http://localhost:8080/api/gps/update"),
		LogLevel:  getenvDefault("LOG_LEVEL", "info"),
		LogFormat: getenvDefault("LOG_FORMAT", "text"),
	}

	// Publish interval
	if v := os.Getenv("SIM_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid SIM_INTERVAL_MS: %q", v)
		}
		cfg.Interval = time.Duration(ms) * time.Millisecond
	} else {
		cfg.Interval = 4 * time.Second
	}

	var err error
	if cfg.SpeedMultiplier, err = positiveFloat("SIM_SPEED_MULTIPLIER", 1.0); err != nil {
		return nil, err
	}
	if cfg.Vehicles, err = ParseVehicles(getenvDefault("SIM_VEHICLES", defaultSimVehicles)); err != nil {
		return nil, err
	}
	if cfg.Routes, err = loadRoutes(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseVehicles reads a comma separated list of id:route:speed triples.
func ParseVehicles(s string) ([]Vehicle, error) {
	var out []Vehicle
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid SIM_VEHICLES entry: %q", item)
		}
		speed, err := strconv.ParseFloat(parts[2], 64)
		if err != nil || speed <= 0 {
			return nil, fmt.Errorf("invalid SIM_VEHICLES speed: %q", item)
		}
		out = append(out, Vehicle{ID: parts[0], RouteID: parts[1], BaseSpeedKmh: speed})
	}
	if len(out) == 0 {
		return nil, errors.New("SIM_VEHICLES must list at least one vehicle")
	}
	return out, nil
}

func loadRoutes() (Routes, error) {
	r := Routes{
		Source: strings.ToLower(getenvDefault("ROUTES_SOURCE", RoutesBuiltin)),
		File:   os.Getenv("ROUTES_FILE"),
		City:   firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")),
	}
	for _, id := range strings.Split(os.Getenv("ROUTE_IDS"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			r.RouteIDs = append(r.RouteIDs, id)
		}
	}
	var err error
	if r.DefaultAvgSpeed, err = positiveFloat("DEFAULT_AVERAGE_SPEED_KMH", 30); err != nil {
		return r, err
	}

	switch r.Source {
	case RoutesBuiltin:
	case RoutesFile:
		if r.File == "" {
			return r, errors.New("ROUTES_FILE must be set when ROUTES_SOURCE=file")
		}
	case RoutesPostgres:
		if r.DatabaseURL, err = databaseURL(); err != nil {
			return r, err
		}
	default:
		return r, fmt.Errorf("invalid ROUTES_SOURCE: %q", r.Source)
	}
	return r, nil
}

// Database URL (cluster DSN): prefer DATABASE_URL / PG_DSN, else build from PG* vars
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	// If CITY is provided, default base DB to 'postgres' when PGDATABASE is not set.
	if db == "" && firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")) != "" {
		db = "postgres"
	}
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func seconds(key string, def int) (time.Duration, error) {
	n, err := positiveInt(key, def)
	return time.Duration(n) * time.Second, err
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func positiveFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
