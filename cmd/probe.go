package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/graphql"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/jwt"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Replay a GraphQL query under transport variations",
	Long: `Sends the same query once per technique (content type, HTTP method and
parameter name variations) and classifies each answer. A technique that
returns data where others are refused points at an authentication check
bound to one transport.

With --token the query is sent as "Authorization: Bearer <token>".

Examples:
  gqlcrack probe --url https://api.example.com/graphql
  gqlcrack probe --url https://api.example.com/graphql --token eyJ... --query '{ me { id } }'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		opts := probeOptions{}
		opts.url, _ = flags.GetString("url")
		opts.token, _ = flags.GetString("token")
		opts.query, _ = flags.GetString("query")
		opts.concurrency, _ = flags.GetInt("concurrency")
		opts.requestTimeout, _ = flags.GetDuration("request-timeout")
		opts.output, _ = flags.GetString("output")
		return runProbe(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)

	def := config.DefaultConfig()
	flags := probeCmd.Flags()
	flags.StringP("url", "u", "", "GraphQL endpoint")
	flags.String("token", "", "JWT sent as a bearer token")
	flags.String("query", def.Probe.Query, "query to replay")
	flags.IntP("concurrency", "c", def.Probe.Concurrency, "techniques in flight at once")
	flags.Duration("request-timeout", def.Probe.RequestTimeout, "timeout per technique")
	flags.StringP("output", "o", outputText, "output format (text, json, yaml)")
	probeCmd.MarkFlagRequired("url")
}

type probeOptions struct {
	url            string
	token          string
	query          string
	concurrency    int
	requestTimeout time.Duration
	output         string
}

type probeReport struct {
	Endpoint string                 `json:"endpoint" yaml:"endpoint"`
	Outcomes []graphql.ProbeOutcome `json:"outcomes" yaml:"outcomes"`
	Findings []types.Finding        `json:"findings" yaml:"findings"`
}

func runProbe(ctx context.Context, opts probeOptions, out io.Writer) error {
	if err := validOutput(opts.output); err != nil {
		return err
	}
	target, err := resolveTarget(opts.url)
	if err != nil {
		return err
	}
	opts.url = target

	var tok *jwt.Token
	if opts.token != "" {
		if tok, err = jwt.Parse(opts.token); err != nil {
			return err
		}
	}

	client := newClient()
	defer client.Close()

	prober := graphql.NewProber(client, graphql.ProbeConfig{
		Query:          opts.query,
		RequestTimeout: opts.requestTimeout,
		Concurrency:    opts.concurrency,
		Metrics:        tel,
		Logger:         log,
	})

	outcomes := prober.Probe(ctx, opts.url, tok)
	findings := graphql.ProbeFindings(opts.url, outcomes)
	recordFindings(ctx, findings)

	rep := probeReport{Endpoint: opts.url, Outcomes: outcomes, Findings: findings}
	return writeOutput(out, opts.output, rep, func(w io.Writer) {
		printOutcomes(w, opts.url, outcomes)
		fmt.Fprintln(w)
		printFindings(w, findings, 0)
	})
}

// recordFindings feeds findings to telemetry and the log.
func recordFindings(ctx context.Context, findings []types.Finding) {
	for _, f := range findings {
		if tel != nil {
			tel.RecordFinding(ctx, f.Severity)
		}
		log.LogFinding(ctx, f)
	}
}
