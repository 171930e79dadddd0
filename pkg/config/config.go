// Package config is the flag-driven bootstrap configuration for the
// syncd binary: node identity, cluster membership, the timing knobs
// Raft and PBFT need at construction, and the data directory for
// durable queue storage. It mirrors the teacher's cmd/warren/main.go
// root-command/persistent-flags/cobra.OnInitialize shape, collapsed
// to the single flag set one coordination-core process needs instead
// of Warren's per-subcommand flag trees.
package config

import (
	"strings"
	"time"

	"github.com/cuemby/syncd/pkg/errs"
	"github.com/cuemby/syncd/pkg/raft"
	"github.com/cuemby/syncd/pkg/types"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
)

// Config is everything a Node needs to bootstrap. It is built from
// flags by FromFlags and never mutated after Validate succeeds.
type Config struct {
	NodeID     types.NodeID
	BindAddr   string
	AllNodes   []types.NodeID
	Addresses  map[types.NodeID]string
	DataDir    string
	CacheSize  int
	PBFTFaults int
	PBFTKey    string

	LogLevel  string
	LogJSON   bool
	RaftTimer raft.Timing
}

// RegisterFlags adds every syncd flag to cmd's flag set, in the
// teacher's "declare once in init(), read back in RunE" style.
func RegisterFlags(flags *flag.FlagSet) {
	flags.String("node-id", "", "this node's identity within all_nodes (required)")
	flags.String("bind-addr", ":7946", "address this node listens on for client and peer traffic")
	flags.StringSlice("node", nil, "id=address pair for a cluster member; repeat once per node (required, including self)")
	flags.String("data-dir", "", "directory for durable queue storage; empty uses an in-process store")
	flags.Int("cache-size", 1024, "maximum number of entries held in the coherent cache")
	flags.Int("pbft-faults", 0, "number of Byzantine faults (f) this cluster tolerates; quorum is 2f+1")
	flags.String("pbft-key", "", "shared secret used to tag PBFT protocol messages")
	flags.Duration("election-min", 150*time.Millisecond, "minimum Raft election timeout")
	flags.Duration("election-max", 300*time.Millisecond, "maximum Raft election timeout")
	flags.Duration("heartbeat", 50*time.Millisecond, "Raft leader heartbeat interval")
	flags.Duration("rpc-timeout", 100*time.Millisecond, "per-call Raft/PBFT RPC deadline")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "output logs in JSON format")
}

// FromFlags reads cmd's flags into a Config and validates it.
func FromFlags(cmd *cobra.Command) (Config, error) {
	var cfg Config

	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	nodeFlags, _ := cmd.Flags().GetStringSlice("node")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	cacheSize, _ := cmd.Flags().GetInt("cache-size")
	pbftFaults, _ := cmd.Flags().GetInt("pbft-faults")
	pbftKey, _ := cmd.Flags().GetString("pbft-key")
	electionMin, _ := cmd.Flags().GetDuration("election-min")
	electionMax, _ := cmd.Flags().GetDuration("election-max")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
	rpcTimeout, _ := cmd.Flags().GetDuration("rpc-timeout")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	addresses, order, err := parseNodeFlags(nodeFlags)
	if err != nil {
		return cfg, err
	}

	cfg = Config{
		NodeID:     types.NodeID(nodeID),
		BindAddr:   bindAddr,
		AllNodes:   order,
		Addresses:  addresses,
		DataDir:    dataDir,
		CacheSize:  cacheSize,
		PBFTFaults: pbftFaults,
		PBFTKey:    pbftKey,
		LogLevel:   logLevel,
		LogJSON:    logJSON,
		RaftTimer: raft.Timing{
			ElectionMin: electionMin,
			ElectionMax: electionMax,
			Heartbeat:   heartbeat,
			RPCTimeout:  rpcTimeout,
		},
	}
	return cfg, cfg.Validate()
}

// parseNodeFlags turns repeated --node id=address flags into an
// address map and the ordered node list all_nodes requires.
func parseNodeFlags(nodeFlags []string) (map[types.NodeID]string, []types.NodeID, error) {
	addresses := make(map[types.NodeID]string, len(nodeFlags))
	order := make([]types.NodeID, 0, len(nodeFlags))
	for _, raw := range nodeFlags {
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, nil, errs.Newf(errs.Unknown, "malformed --node flag %q, expected id=address", raw)
		}
		id := types.NodeID(parts[0])
		if _, exists := addresses[id]; exists {
			return nil, nil, errs.Newf(errs.Unknown, "duplicate --node id %q", id)
		}
		addresses[id] = parts[1]
		order = append(order, id)
	}
	return addresses, order, nil
}

// Validate checks the invariants a Node's construction order depends
// on: a known self among all_nodes, and an f that this cluster's size
// can actually support. A single-node cluster is exempt from the f
// check and accepts any non-negative f.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return errs.New(errs.Unknown, "--node-id is required")
	}
	if len(c.AllNodes) == 0 {
		return errs.New(errs.Unknown, "at least one --node id=address is required")
	}
	found := false
	for _, n := range c.AllNodes {
		if n == c.NodeID {
			found = true
			break
		}
	}
	if !found {
		return errs.Newf(errs.Unknown, "--node-id %q must appear among the --node entries", c.NodeID)
	}
	if c.PBFTFaults < 0 {
		return errs.New(errs.Unknown, "--pbft-faults cannot be negative")
	}
	if n := len(c.AllNodes); n < 3*c.PBFTFaults+1 && n > 1 {
		return errs.Newf(errs.Unknown, "cluster of %d nodes cannot tolerate %d Byzantine faults (need at least %d)", n, c.PBFTFaults, 3*c.PBFTFaults+1)
	}
	return nil
}

// Cluster builds the types.Cluster this node sees.
func (c Config) Cluster() types.Cluster {
	return types.Cluster{Self: c.NodeID, Nodes: c.AllNodes}
}
