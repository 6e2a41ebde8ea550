package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/blockberries/forkberry/chaindb"
	"github.com/blockberries/forkberry/engine"
	"github.com/blockberries/forkberry/mempool"
	"github.com/blockberries/forkberry/miner"
	"github.com/blockberries/forkberry/pow"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "forkd.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "forkd.log"
	defaultChainFilename  = "chain.db"
	defaultJournalDirname = "journal"

	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultLogLevel       = "info"
)

var (
	defaultHomeDir    = filepath.Join(".", ".forkd")
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
)

// config defines the configuration options for forkd
type config struct {
	HomeDir    string `long:"homedir" description:"The base directory that contains forkd's data, logs and configuration file"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the chain database and proposal journal within"`
	LogDir     string `long:"logdir" description:"Directory to log output"`

	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical, off} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	GenesisTime uint64 `long:"genesistime" description:"Unix timestamp of the genesis block; 0 uses the stored genesis or the current time for a new chain"`
	SlotTime    uint64 `long:"slottime" description:"Slot length in seconds"`

	MaxBlockTxs           int  `long:"maxblocktxs" description:"Maximum transactions per proposal, coinbase included"`
	FinalizationThreshold int  `long:"finalizationthreshold" description:"Number of best fork proposals kept unfinalized"`
	MaxForks              int  `long:"maxforks" description:"Number of forks kept after pruning at slot end"`
	TestingMode           bool `long:"testing" description:"Skip the PoW target check"`
	NoJournalSync         bool `long:"nojournalsync" description:"Do not fsync the journal on every accepted proposal"`

	TargetBlockTime   uint64 `long:"pow.targetblocktime" description:"Target spacing between blocks in seconds"`
	DifficultyWindow  int    `long:"pow.window" description:"Number of blocks the retarget looks back"`
	DifficultyCut     int    `long:"pow.cut" description:"Outlier timestamps dropped from each end of the window"`
	InitialDifficulty uint64 `long:"pow.initialdifficulty" description:"Difficulty used until enough history exists"`
	FixedDifficulty   uint64 `long:"pow.fixeddifficulty" description:"Disable retargeting and mine at this difficulty (0 to retarget)"`

	BlockCacheSize int           `long:"db.blockcachesize" description:"Number of decoded blocks kept in memory"`
	NoFreelistSync bool          `long:"db.nofreelistsync" description:"Do not sync the bolt freelist to disk"`
	DBTimeout      time.Duration `long:"db.timeout" description:"How long to wait for the database file lock"`

	MempoolMaxTxs int `long:"mempool.maxtxs" description:"Maximum number of pending transactions"`

	Devnet       bool   `long:"devnet" description:"Mine a block every slot on the best fork"`
	MinerAddress string `long:"miner.address" description:"Hex encoded 32 byte coinbase recipient"`
	MinerWorkers int    `long:"miner.workers" description:"Number of nonce grinding goroutines"`

	PrometheusListen string `long:"prometheus.listen" description:"The address to serve Prometheus metrics on, empty to disable"`

	// minerAddress is the decoded MinerAddress
	minerAddress [32]byte
}

func defaultConfig() config {
	powCfg := pow.DefaultConfig()
	dbCfg := chaindb.DefaultConfig()
	engCfg := engine.DefaultConfig()

	return config{
		HomeDir:               defaultHomeDir,
		ConfigFile:            defaultConfigFile,
		DataDir:               filepath.Join(defaultHomeDir, defaultDataDirname),
		LogDir:                filepath.Join(defaultHomeDir, defaultLogDirname),
		MaxLogFiles:           defaultMaxLogFiles,
		MaxLogFileSize:        defaultMaxLogFileSize,
		DebugLevel:            defaultLogLevel,
		SlotTime:              engCfg.SlotTime,
		MaxBlockTxs:           engCfg.MaxBlockTxs,
		FinalizationThreshold: engCfg.FinalizationThreshold,
		MaxForks:              engCfg.MaxForks,
		TargetBlockTime:       powCfg.TargetBlockTime,
		DifficultyWindow:      powCfg.Window,
		DifficultyCut:         powCfg.Cut,
		InitialDifficulty:     powCfg.InitialDifficulty.Uint64(),
		BlockCacheSize:        dbCfg.BlockCacheSize,
		NoFreelistSync:        dbCfg.NoFreelistSync,
		DBTimeout:             dbCfg.DBTimeout,
		MempoolMaxTxs:         mempool.DefaultConfig().MaxTxs,
		MinerWorkers:          miner.DefaultConfig().Workers,
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options. Command line options take precedence.
func loadConfig() (*config, error) {
	preCfg := defaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// A modified home directory moves the default config file with it.
	configFile := preCfg.ConfigFile
	if preCfg.HomeDir != defaultHomeDir && configFile == defaultConfigFile {
		configFile = filepath.Join(preCfg.HomeDir, defaultConfigFilename)
	}

	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFile, &cfg); err != nil {
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}
		configFileError = err
	}

	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(preCfg.HomeDir != defaultHomeDir); err != nil {
		return nil, err
	}

	if configFileError != nil && !os.IsNotExist(configFileError) {
		fmt.Fprintf(os.Stderr, "Unable to read config file %s: %v\n",
			configFile, configFileError)
	}

	return &cfg, nil
}

// validate checks the parsed options and fills in derived values
func (cfg *config) validate(homeDirChanged bool) error {
	if homeDirChanged {
		def := defaultConfig()
		if cfg.DataDir == def.DataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		}
		if cfg.LogDir == def.LogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		}
	}

	if cfg.MaxLogFiles < 0 {
		return fmt.Errorf("maxlogfiles must not be negative, got %d",
			cfg.MaxLogFiles)
	}
	if cfg.MaxLogFileSize <= 0 {
		return fmt.Errorf("maxlogfilesize must be positive, got %d",
			cfg.MaxLogFileSize)
	}

	if cfg.MinerAddress != "" {
		addr, err := hex.DecodeString(cfg.MinerAddress)
		if err != nil || len(addr) != len(cfg.minerAddress) {
			return fmt.Errorf("miner.address must be %d hex encoded "+
				"bytes", len(cfg.minerAddress))
		}
		copy(cfg.minerAddress[:], addr)
	}

	if err := cfg.powConfig().ValidateBasic(); err != nil {
		return fmt.Errorf("invalid pow options: %w", err)
	}
	if err := cfg.dbConfig().ValidateBasic(); err != nil {
		return fmt.Errorf("invalid db options: %w", err)
	}
	if err := cfg.mempoolConfig().ValidateBasic(); err != nil {
		return fmt.Errorf("invalid mempool options: %w", err)
	}
	if err := cfg.minerConfig().ValidateBasic(); err != nil {
		return fmt.Errorf("invalid miner options: %w", err)
	}
	return cfg.engineConfig(0).ValidateBasic()
}

func (cfg *config) powConfig() pow.Config {
	powCfg := pow.DefaultConfig()
	powCfg.TargetBlockTime = cfg.TargetBlockTime
	powCfg.Window = cfg.DifficultyWindow
	powCfg.Cut = cfg.DifficultyCut
	powCfg.InitialDifficulty = new(big.Int).SetUint64(cfg.InitialDifficulty)
	if cfg.FixedDifficulty != 0 {
		powCfg.FixedDifficulty = new(big.Int).SetUint64(cfg.FixedDifficulty)
	}
	return powCfg
}

func (cfg *config) dbConfig() chaindb.Config {
	return chaindb.Config{
		Path:           filepath.Join(cfg.DataDir, defaultChainFilename),
		NoFreelistSync: cfg.NoFreelistSync,
		DBTimeout:      cfg.DBTimeout,
		BlockCacheSize: cfg.BlockCacheSize,
	}
}

func (cfg *config) mempoolConfig() mempool.Config {
	poolCfg := mempool.DefaultConfig()
	poolCfg.MaxTxs = cfg.MempoolMaxTxs
	return poolCfg
}

func (cfg *config) minerConfig() miner.Config {
	minerCfg := miner.DefaultConfig()
	minerCfg.Workers = cfg.MinerWorkers
	return minerCfg
}

func (cfg *config) journalDir() string {
	return filepath.Join(cfg.DataDir, defaultJournalDirname)
}

func (cfg *config) engineConfig(genesisTime uint64) *engine.Config {
	engCfg := engine.DefaultConfig()
	engCfg.GenesisTime = genesisTime
	engCfg.SlotTime = cfg.SlotTime
	engCfg.MaxBlockTxs = cfg.MaxBlockTxs
	engCfg.FinalizationThreshold = cfg.FinalizationThreshold
	engCfg.MaxForks = cfg.MaxForks
	engCfg.TestingMode = cfg.TestingMode
	engCfg.WALSync = !cfg.NoJournalSync
	return engCfg
}
