package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lithicdb/lithic/pkg/control"
	"github.com/lithicdb/lithic/pkg/lithic"
	"github.com/lithicdb/lithic/pkg/projector"
)

var logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

var rootCmd = &cobra.Command{
	Use:   "lithic",
	Short: "Content-addressable atom store with spatial similarity indexing",
	Long: `lithic stores minimal content units deduplicated by digest, projects
embedding vectors into a low-dimensional coordinate space and serves
radius-bounded nearest-neighbor queries over a nested grid index.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			logger.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("data-dir", "./lithic-data", "data directory for the database and queue")
	pf.String("model", "default", "embedding model id selecting the landmark basis")
	pf.Bool("verbose", false, "enable debug logging")

	viper.SetEnvPrefix("LITHIC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.SetConfigName("lithic")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.lithic")
	_ = viper.ReadInConfig() // optional config file
	_ = viper.BindPFlag("data-dir", pf.Lookup("data-dir"))
	_ = viper.BindPFlag("model", pf.Lookup("model"))
	_ = viper.BindPFlag("verbose", pf.Lookup("verbose"))

	rootCmd.AddCommand(initCmd, basisCmd, ingestCmd, queryCmd, releaseCmd,
		composeCmd, reconstructCmd, assembleCmd, loopCmd, pendingCmd)
}

func openEngine(ctx context.Context, enableControl bool) (*lithic.Engine, error) {
	dir := viper.GetString("data-dir")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return lithic.Open(ctx, lithic.Config{
		DataDir:       dir,
		ModelID:       viper.GetString("model"),
		EnableControl: enableControl,
		Registerer:    prometheus.DefaultRegisterer,
		Logger:        logger,
	})
}

func parseVector(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vector := make([]float32, 0, len(parts))
	for _, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", part, err)
		}
		vector = append(vector, float32(val))
	}
	return vector, nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the data directory and schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()
		fmt.Printf("Initialized lithic data directory at %s\n", viper.GetString("data-dir"))
		return nil
	},
}

var basisCmd = &cobra.Command{
	Use:   "basis",
	Short: "Manage landmark bases",
}

var basisAddCmd = &cobra.Command{
	Use:   "add <landmarks.json>",
	Short: "Onboard an immutable landmark basis from a JSON file",
	Long: `The file holds an ordered array of landmarks:
  [{"label": "tone", "vector": [0.1, ...]}, ...]
Axis order is part of the basis identity and cannot change afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read landmarks file: %w", err)
		}
		var raw []struct {
			Label  string    `json:"label"`
			Vector []float32 `json:"vector"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to parse landmarks file: %w", err)
		}
		axes := make([]projector.Landmark, len(raw))
		for i, lm := range raw {
			axes[i] = projector.Landmark{Label: lm.Label, Vector: lm.Vector}
		}

		version, _ := cmd.Flags().GetInt("version")
		ctx := cmd.Context()
		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		model := viper.GetString("model")
		if err := engine.OnboardBasis(ctx, model, version, axes); err != nil {
			return err
		}
		fmt.Printf("Basis %s/v%d onboarded with %d axes\n", model, version, len(axes))
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <content>",
	Short: "Store one content unit, deduplicating by digest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		modality, _ := cmd.Flags().GetString("modality")
		subtype, _ := cmd.Flags().GetString("subtype")
		vectorStr, _ := cmd.Flags().GetString("vector")
		metaPairs, _ := cmd.Flags().GetStringSlice("metadata")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		var metadata map[string]string
		if len(metaPairs) > 0 {
			metadata = make(map[string]string, len(metaPairs))
			for _, pair := range metaPairs {
				k, v, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("metadata %q is not key=value", pair)
				}
				metadata[k] = v
			}
		}

		ctx := cmd.Context()
		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		res, err := engine.Ingest(ctx, lithic.IngestRequest{
			TenantID: tenant,
			Modality: modality,
			Subtype:  subtype,
			Content:  []byte(args[0]),
			Metadata: metadata,
			Vector:   vector,
		})
		if err != nil {
			return err
		}
		switch {
		case res.Deduped:
			fmt.Printf("Deduplicated into atom %d (refs %d)\n", res.Atom.ID, res.Atom.RefCount)
		case res.IndexErr != nil:
			fmt.Printf("Stored atom %d without spatial index: %v\n", res.Atom.ID, res.IndexErr)
		case res.Indexed:
			fmt.Printf("Stored atom %d at coordinate %v\n", res.Atom.ID, res.Atom.Coord)
		default:
			fmt.Printf("Stored atom %d\n", res.Atom.ID)
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Find the nearest atoms to a vector",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		vectorStr, _ := cmd.Flags().GetString("vector")
		radius, _ := cmd.Flags().GetFloat64("radius")
		limit, _ := cmd.Flags().GetInt("limit")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		if vector == nil {
			return fmt.Errorf("--vector is required")
		}

		ctx := cmd.Context()
		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		matches, err := engine.KNNQuery(ctx, lithic.QueryRequest{TenantID: tenant, Vector: vector, Radius: radius, Limit: limit})
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			fmt.Println("No matches within radius")
			return nil
		}
		for i, m := range matches {
			content := m.Atom.Content()
			if len(content) > 60 {
				content = content[:60]
			}
			fmt.Printf("%d. atom %d distance %.4f refs %d %q\n",
				i+1, m.Atom.ID, m.Distance, m.Atom.RefCount, content)
		}
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <atom-id>",
	Short: "Drop one reference to an atom",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid atom id %q", args[0])
		}
		ctx := cmd.Context()
		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		refs, err := engine.Release(ctx, id)
		if err != nil {
			return err
		}
		if refs == 0 {
			fmt.Printf("Atom %d released; eligible for collection after the retention window\n", id)
		} else {
			fmt.Printf("Atom %d has %d references remaining\n", id, refs)
		}
		return nil
	},
}

var composeCmd = &cobra.Command{
	Use:   "compose <parent-id> <child-id>",
	Short: "Link a child atom under a parent at a sequence position",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid parent id %q", args[0])
		}
		child, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid child id %q", args[1])
		}
		seq, _ := cmd.Flags().GetInt64("seq")
		relation, _ := cmd.Flags().GetString("relation")

		ctx := cmd.Context()
		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.Compose(ctx, parent, child, seq, relation); err != nil {
			return err
		}
		fmt.Printf("Linked %d -> %d (%s, seq %d)\n", parent, child, relation, seq)
		return nil
	},
}

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct <parent-id>",
	Short: "List the children of a parent in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid parent id %q", args[0])
		}
		relation, _ := cmd.Flags().GetString("relation")

		ctx := cmd.Context()
		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		children, err := engine.Reconstruct(ctx, parent, relation)
		if err != nil {
			return err
		}
		for _, id := range children {
			fmt.Println(id)
		}
		return nil
	},
}

var assembleCmd = &cobra.Command{
	Use:   "assemble <parent-id>",
	Short: "Concatenate the leaf contents under a parent in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid parent id %q", args[0])
		}
		relation, _ := cmd.Flags().GetString("relation")

		ctx := cmd.Context()
		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		content, err := engine.Assemble(ctx, parent, relation)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(content)
		return err
	},
}

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Run the engine with the autonomous maintenance loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		triggerNow, _ := cmd.Flags().GetBool("trigger")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		engine, err := openEngine(ctx, true)
		if err != nil {
			return err
		}
		defer engine.Close()

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				logger.Info("metrics endpoint listening", "addr", metricsAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics endpoint failed", "error", err)
				}
			}()
			defer srv.Close()
		}

		if triggerNow {
			cycleID, err := engine.TriggerCycle()
			if err != nil {
				return err
			}
			logger.Info("maintenance cycle triggered", "cycle", cycleID)
		}

		logger.Info("maintenance loop running", "dataDir", viper.GetString("data-dir"))
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List maintenance actions waiting for manual approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		records := control.NewRecords(engine.Store().DB())
		if err := records.Init(ctx); err != nil {
			return err
		}
		actions, err := records.PendingActions(ctx)
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			fmt.Println("No pending actions")
			return nil
		}
		for _, a := range actions {
			fmt.Printf("%s  %-24s risk %.2f  %s\n", a.ID, a.Kind, a.RiskScore, a.Reason)
		}
		return nil
	},
}

func init() {
	basisCmd.AddCommand(basisAddCmd)
	basisAddCmd.Flags().Int("version", 1, "basis version")

	ingestCmd.Flags().String("tenant", "", "tenant id (required)")
	ingestCmd.Flags().String("modality", "text", "content modality")
	ingestCmd.Flags().String("subtype", "", "content subtype")
	ingestCmd.Flags().String("vector", "", "comma-separated embedding vector")
	ingestCmd.Flags().StringSlice("metadata", nil, "metadata key=value pairs")
	_ = ingestCmd.MarkFlagRequired("tenant")

	queryCmd.Flags().String("tenant", "", "tenant whose atoms to search")
	queryCmd.Flags().String("vector", "", "comma-separated embedding vector")
	queryCmd.Flags().Float64("radius", 0.5, "search radius in coordinate space")
	queryCmd.Flags().Int("limit", 10, "maximum results")
	_ = queryCmd.MarkFlagRequired("tenant")

	composeCmd.Flags().Int64("seq", 0, "sequence position under the parent")
	composeCmd.Flags().String("relation", "contains", "relation kind")
	reconstructCmd.Flags().String("relation", "contains", "relation kind")
	assembleCmd.Flags().String("relation", "contains", "relation kind")

	loopCmd.Flags().String("metrics-addr", "", "address for the Prometheus /metrics endpoint")
	loopCmd.Flags().Bool("trigger", false, "trigger a maintenance cycle immediately")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
