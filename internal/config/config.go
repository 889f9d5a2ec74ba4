// Package config loads the environment-variable surface named in spec §6
// ("CLI / env surface") for the worker, coordinator, and keystore processes,
// with optional YAML file overrides for settings that are awkward to pass as
// single env vars (allowlisted hosts, per-route throttle budgets).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Worker holds the env surface documented in spec §6 for the worker process.
type Worker struct {
	CoordinatorURL       string
	APIToken             string
	NearRPCURL           string
	ContractID           string
	OperatorAccount      string
	WorkerID             string
	PollTimeout          time.Duration
	WasmCacheDir         string
	WasmCacheMaxMB       int64
	CompileTimeout       time.Duration
	CompileMemoryMB      int64
	CompileCPUs          float64
	BuildDockerImage     string
	DefaultMaxInstr      uint64
	DefaultMaxMemoryMB   int64
	DefaultMaxExecSecs   int64
	TEEMode              string
	KeystoreURL          string

	EnableEventMonitor bool
	NeardataAPIURL     string
	FastnearAPIURL     string
	StartBlockHeight   uint64
	ScanInterval       time.Duration
	WatermarkPath      string
}

// LoadWorker reads the documented env vars, applying the defaults named
// throughout spec §5 (60s long-poll clipped at 120s, etc.) where the env
// var is unset.
func LoadWorker() (*Worker, error) {
	w := &Worker{
		CoordinatorURL:     mustEnv("COORDINATOR_URL"),
		APIToken:           os.Getenv("API_TOKEN"),
		NearRPCURL:         mustEnv("NEAR_RPC_URL"),
		ContractID:         mustEnv("CONTRACT_ID"),
		OperatorAccount:    mustEnv("OPERATOR_ACCOUNT"),
		WorkerID:           envOr("WORKER_ID", ""),
		PollTimeout:        envDuration("POLL_TIMEOUT_S", 60*time.Second),
		WasmCacheDir:       envOr("WASM_CACHE_DIR", "/var/lib/near-outlayer/wasm-cache"),
		WasmCacheMaxMB:     envInt64("WASM_CACHE_MAX_MB", 4096),
		CompileTimeout:     envDuration("COMPILE_TIMEOUT_S", 300*time.Second),
		CompileMemoryMB:    envInt64("COMPILE_MEMORY_MB", 2048),
		CompileCPUs:        envFloat("COMPILE_CPUS", 2.0),
		BuildDockerImage:   envOr("BUILD_DOCKER_IMAGE", "rust:1.75"),
		DefaultMaxInstr:    envUint64("DEFAULT_MAX_INSTRUCTIONS", 2_000_000_000),
		DefaultMaxMemoryMB: envInt64("DEFAULT_MAX_MEMORY_MB", 256),
		DefaultMaxExecSecs: envInt64("DEFAULT_MAX_EXECUTION_SECONDS", 60),
		TEEMode:            envOr("TEE_MODE", "simulated"),
		KeystoreURL:        os.Getenv("KEYSTORE_URL"),

		EnableEventMonitor: envOr("ENABLE_EVENT_MONITOR", "false") == "true",
		NeardataAPIURL:     envOr("NEARDATA_API_URL", "https://mainnet.neardata.xyz"),
		FastnearAPIURL:     os.Getenv("FASTNEAR_API_URL"),
		StartBlockHeight:   envUint64("START_BLOCK_HEIGHT", 0),
		ScanInterval:       envDuration("SCAN_INTERVAL_S", 5*time.Second),
		WatermarkPath:      envOr("INGESTOR_WATERMARK_PATH", "/var/lib/near-outlayer/ingestor-watermark"),
	}
	if w.PollTimeout > 120*time.Second {
		w.PollTimeout = 120 * time.Second // server-side clip per spec §5
	}
	switch w.TEEMode {
	case "tdx", "simulated", "none":
	default:
		return nil, fmt.Errorf("config: invalid TEE_MODE %q", w.TEEMode)
	}
	return w, nil
}

// Coordinator holds the env surface for the coordinator process: listen
// address, on-disk store paths, the keystore proxy target, and CORS/rate
// limit knobs.
type Coordinator struct {
	ListenAddr      string
	StoreDir        string
	QueueDir        string
	CacheDir        string
	GrantKeysDir    string
	KeystoreBaseURL string
	KeystoreToken   string
	AdminToken      string
	CORSOrigins     []string
	IPLimitPerMin   int
}

func LoadCoordinator() (*Coordinator, error) {
	return &Coordinator{
		ListenAddr:      envOr("LISTEN_ADDR", ":8080"),
		StoreDir:        envOr("STORE_DIR", "/var/lib/near-outlayer/store"),
		QueueDir:        envOr("QUEUE_DIR", "/var/lib/near-outlayer/queue"),
		CacheDir:        envOr("CACHE_DIR", "/var/lib/near-outlayer/wasm-cache"),
		GrantKeysDir:    envOr("GRANT_KEYS_DIR", "/var/lib/near-outlayer/grant-keys"),
		KeystoreBaseURL: os.Getenv("KEYSTORE_URL"),
		KeystoreToken:   os.Getenv("KEYSTORE_AUTH_TOKEN"),
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
		CORSOrigins:     splitCSV(os.Getenv("CORS_ORIGINS")),
		IPLimitPerMin:   int(envInt64("IP_LIMIT_PER_MIN", 600)),
	}, nil
}

// Keystore holds the env surface for the keystore process.
type Keystore struct {
	ListenAddr         string
	MasterSecretHex    string // KEYSTORE_MASTER_SECRET; empty means generate-and-warn
	UseTEERegistration bool
	TEEMode            string // outlayer_tee | none
	DstackSocketPath   string
	DstackHTTPEndpoint string
	NearRPCURL         string
	NearContractID     string
	SessionTTL         time.Duration
}

func LoadKeystore() (*Keystore, error) {
	k := &Keystore{
		ListenAddr:         envOr("LISTEN_ADDR", ":8081"),
		MasterSecretHex:    os.Getenv("KEYSTORE_MASTER_SECRET"),
		UseTEERegistration: envOr("USE_TEE_REGISTRATION", "false") == "true",
		TEEMode:            envOr("TEE_MODE", "none"),
		DstackSocketPath:   os.Getenv("DSTACK_SOCKET_PATH"),
		DstackHTTPEndpoint: os.Getenv("DSTACK_SIMULATOR_ENDPOINT"),
		NearRPCURL:         os.Getenv("NEAR_RPC_URL"),
		NearContractID:     os.Getenv("NEAR_CONTRACT_ID"),
		SessionTTL:         envDuration("SESSION_TTL_S", 15*60*time.Second),
	}
	if k.UseTEERegistration && k.MasterSecretHex != "" {
		return nil, fmt.Errorf("config: KEYSTORE_MASTER_SECRET cannot be used with USE_TEE_REGISTRATION=true")
	}
	return k, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// FileOverrides is the optional YAML document layered on top of env vars for
// settings that don't fit a single scalar (host allowlist, per-route
// throttle budgets). Zero value means "use built-in defaults".
type FileOverrides struct {
	AllowedHosts    []string       `yaml:"allowed_hosts"`
	AllowedTargets  []string       `yaml:"allowed_targets"`
	ThrottleBudgets map[string]int `yaml:"throttle_budgets"`
}

func LoadFileOverrides(path string) (*FileOverrides, error) {
	if path == "" {
		return &FileOverrides{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading overrides: %w", err)
	}
	var fo FileOverrides
	if err := yaml.Unmarshal(b, &fo); err != nil {
		return nil, fmt.Errorf("config: parsing overrides: %w", err)
	}
	return &fo, nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envUint64(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}
