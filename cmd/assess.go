package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/database"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/progress"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/bruteforce"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/graphql"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/jwt"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/report"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/risk"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

// maxPhaseEndpoints caps how many discovered endpoints the later phases test.
const maxPhaseEndpoints = 3

var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Run a phased GraphQL security assessment",
	Long: `Runs the assessment workflow against a target and produces a report.

MODES:
  full    discovery, fingerprinting, introspection, JWT testing, auth bypass
          probing and schema enumeration
  recon   discovery, fingerprinting and introspection only
  auth    JWT analysis and brute-force plus auth bypass probing (needs --jwt-token)
  enum    schema enumeration without introspection

In recon and full mode the later phases test up to three discovered
endpoints. In auth and enum mode --url is used as the endpoint directly.

The report format follows the --output extension (.json, .yaml, .html).
With --store the report is also saved to PostgreSQL (see --db-dsn).

Examples:
  gqlcrack assess -u https://api.example.com
  gqlcrack assess -u https://api.example.com/graphql -m auth --jwt-token eyJ... -w secrets.txt
  gqlcrack assess -u https://api.example.com -o report.html --store`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := assessOptionsFromFlags(cmd)
		if err != nil {
			return err
		}

		rep, err := runAssessment(cmd.Context(), opts, cmd.ErrOrStderr())

		out := cmd.OutOrStdout()
		if werr := writeOutput(out, opts.format, rep, func(w io.Writer) { printAssessment(w, rep) }); werr != nil {
			return werr
		}
		if opts.reportPath != "" && err == nil {
			color.New(color.FgGreen).Fprintf(out, "\nFull report written to %s\n", opts.reportPath)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(assessCmd)

	flags := assessCmd.Flags()
	flags.StringP("url", "u", "", "target URL")
	flags.StringP("mode", "m", string(types.ModeFull), "assessment mode (full, recon, auth, enum)")
	flags.String("jwt-token", "", "JWT to analyze, brute-force and probe with")
	flags.StringP("wordlist", "w", "", "candidate secrets for the JWT brute-force")
	flags.IntP("threads", "t", config.DefaultConfig().Bruteforce.Concurrency, "brute-force worker lanes")
	flags.StringP("output", "o", "", "report file (.json, .yaml or .html)")
	flags.String("format", outputText, "stdout format (text, json, yaml)")
	flags.String("headers", "", `extra request headers as a JSON object, e.g. '{"X-Api-Key":"k"}'`)
	flags.Duration("timeout", 30*time.Second, "per-request timeout")
	flags.Bool("store", false, "save the report to the PostgreSQL report store")
	flags.Bool("no-progress", false, "hide the progress bar")
	assessCmd.MarkFlagRequired("url")
}

type assessOptions struct {
	target     string
	mode       types.AssessmentMode
	token      string
	wordlist   string
	threads    int
	reportPath string
	format     string
	store      bool
	progress   bool
}

func assessOptionsFromFlags(cmd *cobra.Command) (assessOptions, error) {
	f := cmd.Flags()
	var opts assessOptions
	rawTarget, _ := f.GetString("url")
	target, err := resolveTarget(rawTarget)
	if err != nil {
		return opts, err
	}
	opts.target = target
	opts.token, _ = f.GetString("jwt-token")
	opts.wordlist, _ = f.GetString("wordlist")
	opts.threads, _ = f.GetInt("threads")
	if !f.Changed("threads") {
		opts.threads = cfg.Bruteforce.Concurrency
	}
	opts.reportPath, _ = f.GetString("output")
	opts.format, _ = f.GetString("format")
	opts.store, _ = f.GetBool("store")
	noProgress, _ := f.GetBool("no-progress")
	opts.progress = !noProgress && opts.format == outputText

	rawMode, _ := f.GetString("mode")
	mode, ok := types.ParseMode(rawMode)
	if !ok {
		return opts, fmt.Errorf("unknown mode %q (full, recon, auth, enum)", rawMode)
	}
	opts.mode = mode

	if err := validOutput(opts.format); err != nil {
		return opts, err
	}
	if opts.reportPath != "" {
		if _, err := report.ParseFormat(filepath.Ext(opts.reportPath)); err != nil {
			return opts, fmt.Errorf("--output: %w", err)
		}
	}
	if opts.mode == types.ModeAuth && opts.token == "" {
		return opts, errors.New("auth mode needs --jwt-token")
	}
	if opts.store && cfg.Database.DSN == "" {
		return opts, errors.New("--store needs --db-dsn or GQLCRACK_DATABASE_DSN")
	}

	if raw, _ := f.GetString("headers"); raw != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return opts, fmt.Errorf("--headers must be a JSON object of strings: %w", err)
		}
		for k, v := range headers {
			cfg.HTTP.Headers[k] = v
		}
	}
	if f.Changed("timeout") {
		cfg.HTTP.Timeout, _ = f.GetDuration("timeout")
	}
	return opts, nil
}

type phase struct {
	name        string
	description string
	modes       []types.AssessmentMode
}

var assessPhases = []phase{
	{"discovery", "Discovering GraphQL endpoints", []types.AssessmentMode{types.ModeFull, types.ModeRecon}},
	{"fingerprint", "Fingerprinting implementations", []types.AssessmentMode{types.ModeFull, types.ModeRecon}},
	{"introspection", "Analyzing introspection", []types.AssessmentMode{types.ModeFull, types.ModeRecon}},
	{"jwt", "Testing the JWT", []types.AssessmentMode{types.ModeFull, types.ModeAuth}},
	{"probe", "Probing auth bypasses", []types.AssessmentMode{types.ModeFull, types.ModeAuth}},
	{"enumeration", "Enumerating schema", []types.AssessmentMode{types.ModeFull, types.ModeEnum}},
	{"report", "Scoring and reporting", nil},
}

// phasesFor lists the phases a mode runs. Phases without modes always run.
func phasesFor(mode types.AssessmentMode) []phase {
	var out []phase
	for _, p := range assessPhases {
		if len(p.modes) == 0 {
			out = append(out, p)
			continue
		}
		for _, m := range p.modes {
			if m == mode {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

type assessment struct {
	opts      assessOptions
	report    *report.Report
	tracker   *progress.Tracker
	client    *graphql.Client
	log       *logger.Logger
	endpoints []string
	token     *jwt.Token
}

// runAssessment runs every phase of opts.mode. Phase failures are recorded on
// the report and do not stop later phases; only the report phase can fail the
// run. The report is returned even when that phase fails.
func runAssessment(ctx context.Context, opts assessOptions, progressOut io.Writer) (*report.Report, error) {
	alog := log.WithTarget(opts.target).WithFields("mode", string(opts.mode))
	start := time.Now()
	ctx, span := alog.StartOperation(ctx, "assess")

	rep := report.New(opts.target, opts.mode)
	a := &assessment{
		opts:      opts,
		report:    rep,
		tracker:   progress.New(progressOut, opts.progress),
		client:    newClient(),
		log:       alog.WithReportID(rep.ID),
		endpoints: []string{opts.target},
	}
	defer a.client.Close()

	phases := phasesFor(opts.mode)
	for _, p := range phases {
		a.tracker.AddPhase(p.name, p.description)
	}

	handlers := map[string]func(context.Context) error{
		"discovery":     a.discover,
		"fingerprint":   a.fingerprint,
		"introspection": a.introspect,
		"jwt":           a.testToken,
		"probe":         a.probe,
		"enumeration":   a.enumerate,
	}

	for _, p := range phases {
		if p.name == "report" {
			break
		}
		if err := ctx.Err(); err != nil {
			a.tracker.SkipPhase(p.name, "cancelled")
			continue
		}
		a.tracker.StartPhase(p.name)
		if err := handlers[p.name](ctx); err != nil {
			if errors.Is(err, errSkipped) {
				a.tracker.SkipPhase(p.name, skipReason(err))
				continue
			}
			a.log.Warnw("Assessment phase failed", "phase", p.name, "error", err)
			a.report.AddError(p.name, err)
			a.tracker.FailPhase(p.name, err)
			continue
		}
		a.tracker.CompletePhase(p.name)
	}
	if err := ctx.Err(); err != nil {
		a.report.AddError("assessment", err)
	}

	a.tracker.StartPhase("report")
	err := a.finish(context.WithoutCancel(ctx))
	if err != nil {
		a.tracker.FailPhase("report", err)
	} else {
		a.tracker.CompletePhase("report")
	}
	a.tracker.Complete()

	alog.FinishOperation(ctx, span, "assess", start, err,
		"findings", len(a.report.Findings),
		"risk_score", a.report.Risk.Score,
	)
	return a.report, err
}

var errSkipped = errors.New("phase skipped")

type skipError struct{ reason string }

func (e *skipError) Error() string        { return e.reason }
func (e *skipError) Is(target error) bool { return target == errSkipped }

func skip(reason string) error { return &skipError{reason: reason} }

func skipReason(err error) string {
	var s *skipError
	if errors.As(err, &s) {
		return s.reason
	}
	return err.Error()
}

// phaseEndpoints returns the endpoints the per-endpoint phases test.
func (a *assessment) phaseEndpoints() []string {
	if len(a.endpoints) > maxPhaseEndpoints {
		return a.endpoints[:maxPhaseEndpoints]
	}
	return a.endpoints
}

func (a *assessment) eachEndpoint(phaseName string, fn func(endpoint string)) {
	eps := a.phaseEndpoints()
	for i, ep := range eps {
		fn(ep)
		a.tracker.UpdateProgress(phaseName, (i+1)*100/len(eps))
	}
}

func (a *assessment) discover(ctx context.Context) error {
	res, err := graphql.NewDiscoverer(a.client, graphql.DiscoveryConfig{
		Concurrency: cfg.Discovery.Concurrency,
		ExtraPaths:  cfg.Discovery.ExtraPaths,
		Hints:       cfg.Discovery.Hints,
		Logger:      a.log,
	}).Discover(ctx, a.opts.target)
	if err != nil {
		return err
	}
	a.report.Discovery = res
	if urls := res.URLs(); len(urls) > 0 {
		a.endpoints = urls
	}
	a.report.Endpoints = append([]string(nil), a.endpoints...)
	a.tracker.SetDetail("discovery", fmt.Sprintf("%d endpoint(s)", len(res.Endpoints)))
	return nil
}

func (a *assessment) fingerprint(ctx context.Context) error {
	fper := graphql.NewFingerprinter(a.client, a.log)
	a.eachEndpoint("fingerprint", func(ep string) {
		fp, err := fper.Fingerprint(ctx, ep)
		if err != nil {
			a.report.AddError("fingerprint", err)
			return
		}
		a.report.Fingerprints = append(a.report.Fingerprints, fp)
		a.report.AddFindings(fp.Findings()...)
	})
	return nil
}

func (a *assessment) introspect(ctx context.Context) error {
	a.eachEndpoint("introspection", func(ep string) {
		schema, err := a.client.Introspect(ctx, ep)
		if err != nil {
			a.report.Schemas = append(a.report.Schemas, report.SchemaResult{Endpoint: ep, Error: err.Error()})
			if !errors.Is(err, graphql.ErrIntrospectionDisabled) {
				a.report.AddError("introspection", err)
				return
			}
			accepted := a.client.ReplayIntrospection(ctx, ep, graphql.DefaultTechniques(), a.token)
			a.report.AddFindings(graphql.IntrospectionBypassFindings(ep, accepted)...)
			return
		}
		analysis := graphql.AnalyzeSchema(schema)
		a.report.Schemas = append(a.report.Schemas, report.SchemaResult{Endpoint: ep, Analysis: analysis})
		a.report.AddFindings(analysis.Findings(ep)...)
	})
	return nil
}

// testToken analyzes the token and brute-forces HMAC secrets with the
// wordlist followed by the built-in list.
func (a *assessment) testToken(ctx context.Context) error {
	if a.opts.token == "" {
		return skip("no token supplied")
	}
	tok, err := jwt.Parse(a.opts.token)
	if err != nil {
		return err
	}
	a.token = tok

	endpoint := a.phaseEndpoints()[0]
	analysis := jwt.Analyze(tok, time.Now())
	a.report.JWT = analysis
	a.report.AddFindings(analysis.Findings(endpoint)...)
	if !analysis.Bruteforceable {
		a.tracker.SetDetail("jwt", "algorithm "+analysis.Algorithm+" cannot be brute-forced")
		return nil
	}

	var src bruteforce.Source = bruteforce.BuiltinSecrets()
	if a.opts.wordlist != "" {
		enc, err := bruteforce.ParseEncoding(cfg.Bruteforce.Encoding)
		if err != nil {
			return err
		}
		wl, err := bruteforce.OpenWordlist(a.opts.wordlist, enc)
		if err != nil {
			return err
		}
		src = bruteforce.Concat(wl, src)
	}

	bopts := []bruteforce.Option{
		bruteforce.WithLogger(a.log),
		bruteforce.WithProgress(cfg.Bruteforce.ProgressInterval, a.tracker.BruteforceReporter("jwt")),
	}
	if tel != nil {
		bopts = append(bopts, bruteforce.WithMetrics(tel))
	}
	if cfg.Bruteforce.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Bruteforce.Timeout)
		defer cancel()
	}
	res, err := bruteforce.New(bopts...).Run(ctx, tok, src, a.opts.threads)
	if res != nil {
		a.report.Bruteforce = res
		a.report.AddFindings(res.Findings(endpoint)...)
		a.tracker.SetDetail("jwt", res.State.String())
	}
	return err
}

func (a *assessment) probe(ctx context.Context) error {
	prober := graphql.NewProber(a.client, graphql.ProbeConfig{
		Query:          cfg.Probe.Query,
		RequestTimeout: cfg.Probe.RequestTimeout,
		Concurrency:    cfg.Probe.Concurrency,
		Metrics:        tel,
		Logger:         a.log,
	})
	a.eachEndpoint("probe", func(ep string) {
		outcomes := prober.Probe(ctx, ep, a.token)
		a.report.Probes = append(a.report.Probes, report.ProbeRun{Endpoint: ep, Outcomes: outcomes})
		a.report.AddFindings(graphql.ProbeFindings(ep, outcomes)...)
	})
	return nil
}

func (a *assessment) enumerate(ctx context.Context) error {
	enumerator := graphql.NewEnumerator(a.client, graphql.EnumeratorConfig{Logger: a.log})
	a.eachEndpoint("enumeration", func(ep string) {
		res, err := enumerator.Enumerate(ctx, ep)
		if err != nil {
			a.report.AddError("enumeration", err)
			return
		}
		a.report.Enumerations = append(a.report.Enumerations, res)
		a.report.AddFindings(res.Findings()...)
	})
	return nil
}

// finish scores the report, writes the report file and saves it to the store.
func (a *assessment) finish(ctx context.Context) error {
	if len(a.report.Endpoints) == 0 {
		a.report.Endpoints = append([]string(nil), a.endpoints...)
	}
	a.report.Finalize(risk.NewCalculator(a.log))
	recordFindings(ctx, a.report.Findings)

	if a.opts.reportPath != "" {
		if err := a.report.WriteFile(a.opts.reportPath); err != nil {
			return err
		}
		a.log.Infow("Report written", "path", a.opts.reportPath)
	}

	if a.opts.store {
		store, err := database.NewStore(ctx, cfg.Database, a.log)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.SaveReport(ctx, a.report); err != nil {
			return err
		}
	}
	return nil
}

func printAssessment(w io.Writer, r *report.Report) {
	fmt.Fprintf(w, "\nTarget: %s\n", r.Target)
	fmt.Fprintf(w, "Mode:   %s\n", r.Mode)
	fmt.Fprintf(w, "Report: %s\n", r.ID)
	fmt.Fprintln(w, "────────────────────────────────────────────────────────────")

	if len(r.Endpoints) > 0 {
		fmt.Fprintf(w, "Endpoints (%d):\n", len(r.Endpoints))
		for _, ep := range r.Endpoints {
			fmt.Fprintf(w, "  - %s\n", ep)
		}
	}
	for _, fp := range r.Fingerprints {
		fmt.Fprintf(w, "Implementation: %s (%d%%) at %s\n", fp.Implementation, fp.Confidence, fp.Endpoint)
	}
	if r.Bruteforce != nil {
		fmt.Fprintf(w, "JWT brute-force: %s after %d attempts\n", colorState(r.Bruteforce.State), r.Bruteforce.Attempts)
	}

	fmt.Fprintf(w, "\nRisk: %s (%d/100)\n\n", colorRiskLabel(r.Risk.Label), r.Risk.Score)
	printFindings(w, r.Findings, 10)

	if len(r.Errors) > 0 {
		fmt.Fprintln(w)
		color.New(color.FgYellow).Fprintf(w, "Errors (%d):\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
}

func colorRiskLabel(label string) string {
	switch label {
	case risk.LabelCritical:
		return color.New(color.FgRed, color.Bold).Sprint(label)
	case risk.LabelHigh:
		return color.New(color.FgRed).Sprint(label)
	case risk.LabelMedium:
		return color.New(color.FgYellow).Sprint(label)
	case risk.LabelLow:
		return color.New(color.FgCyan).Sprint(label)
	}
	return label
}
