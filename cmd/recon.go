package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/graphql"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find GraphQL endpoints under a base URL",
	Long: `Tests common GraphQL paths plus paths hinted at by the landing page,
robots.txt and sitemap.xml. Servers that answer every path with the same
page are detected and their responses ignored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		rawTarget, _ := flags.GetString("url")
		pathsFile, _ := flags.GetString("paths")
		noHints, _ := flags.GetBool("no-hints")
		concurrency, _ := flags.GetInt("concurrency")
		output, _ := flags.GetString("output")
		if err := validOutput(output); err != nil {
			return err
		}

		target, err := resolveTarget(rawTarget)
		if err != nil {
			return err
		}

		var extra []string
		if pathsFile != "" {
			if extra, err = readLines(pathsFile); err != nil {
				return err
			}
		}

		res, err := discover(cmd.Context(), target, graphql.DiscoveryConfig{
			Concurrency: concurrency,
			ExtraPaths:  append(cfg.Discovery.ExtraPaths, extra...),
			Hints:       !noHints,
		})
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), output, res, func(w io.Writer) {
			printDiscovery(w, res)
		})
	},
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Identify the GraphQL server implementation",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if err := validOutput(output); err != nil {
			return err
		}
		rawTarget, _ := cmd.Flags().GetString("url")
		endpoint, err := resolveTarget(rawTarget)
		if err != nil {
			return err
		}

		client := newClient()
		defer client.Close()

		fp, err := graphql.NewFingerprinter(client, log).Fingerprint(cmd.Context(), endpoint)
		if err != nil {
			return err
		}
		recordFindings(cmd.Context(), fp.Findings())
		return writeOutput(cmd.OutOrStdout(), output, fp, func(w io.Writer) {
			printFingerprint(w, fp)
		})
	},
}

var introspectCmd = &cobra.Command{
	Use:   "introspect",
	Short: "Fetch the schema through introspection and analyze it",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if err := validOutput(output); err != nil {
			return err
		}
		rawTarget, _ := cmd.Flags().GetString("url")
		endpoint, err := resolveTarget(rawTarget)
		if err != nil {
			return err
		}

		client := newClient()
		defer client.Close()

		schema, err := client.Introspect(cmd.Context(), endpoint)
		if errors.Is(err, graphql.ErrIntrospectionDisabled) {
			color.Green("Introspection is disabled on %s (%v)\n", endpoint, err)
			return nil
		}
		if err != nil {
			return err
		}

		analysis := graphql.AnalyzeSchema(schema)
		findings := analysis.Findings(endpoint)
		recordFindings(cmd.Context(), findings)
		return writeOutput(cmd.OutOrStdout(), output, analysis, func(w io.Writer) {
			printSchemaAnalysis(w, analysis)
			fmt.Fprintln(w)
			printFindings(w, findings, 0)
		})
	},
}

var enumCmd = &cobra.Command{
	Use:   "enum",
	Short: "Enumerate schema fields without introspection",
	Long: `Maps query and mutation fields through root type probing, "Did you mean"
suggestions in error messages and a spray of common field names.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		rawTarget, _ := flags.GetString("url")
		wordlist, _ := flags.GetString("wordlist")
		concurrency, _ := flags.GetInt("concurrency")
		output, _ := flags.GetString("output")
		if err := validOutput(output); err != nil {
			return err
		}

		endpoint, err := resolveTarget(rawTarget)
		if err != nil {
			return err
		}

		var extra []string
		if wordlist != "" {
			if extra, err = readLines(wordlist); err != nil {
				return err
			}
		}

		client := newClient()
		defer client.Close()

		res, err := graphql.NewEnumerator(client, graphql.EnumeratorConfig{
			Concurrency: concurrency,
			ExtraFields: extra,
			Logger:      log,
		}).Enumerate(cmd.Context(), endpoint)
		if err != nil {
			return err
		}
		findings := res.Findings()
		recordFindings(cmd.Context(), findings)
		return writeOutput(cmd.OutOrStdout(), output, res, func(w io.Writer) {
			printEnumeration(w, res)
			fmt.Fprintln(w)
			printFindings(w, findings, 0)
		})
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd, fingerprintCmd, introspectCmd, enumCmd)
	def := config.DefaultConfig()

	d := discoverCmd.Flags()
	d.StringP("url", "u", "", "base URL of the target")
	d.String("paths", "", "file with extra paths to test, one per line")
	d.Bool("no-hints", !def.Discovery.Hints, "skip scraping /, robots.txt and sitemap.xml for paths")
	d.IntP("concurrency", "c", def.Discovery.Concurrency, "paths tested at once")
	d.StringP("output", "o", outputText, "output format (text, json, yaml)")
	discoverCmd.MarkFlagRequired("url")

	fingerprintCmd.Flags().StringP("url", "u", "", "GraphQL endpoint")
	fingerprintCmd.Flags().StringP("output", "o", outputText, "output format (text, json, yaml)")
	fingerprintCmd.MarkFlagRequired("url")

	introspectCmd.Flags().StringP("url", "u", "", "GraphQL endpoint")
	introspectCmd.Flags().StringP("output", "o", outputText, "output format (text, json, yaml)")
	introspectCmd.MarkFlagRequired("url")

	e := enumCmd.Flags()
	e.StringP("url", "u", "", "GraphQL endpoint")
	e.StringP("wordlist", "w", "", "extra field names to spray, one per line")
	e.IntP("concurrency", "c", 4, "requests in flight at once")
	e.StringP("output", "o", outputText, "output format (text, json, yaml)")
	enumCmd.MarkFlagRequired("url")
}

func discover(ctx context.Context, target string, dc graphql.DiscoveryConfig) (*graphql.DiscoveryResult, error) {
	client := newClient()
	defer client.Close()

	dc.Logger = log
	return graphql.NewDiscoverer(client, dc).Discover(ctx, target)
}

func printDiscovery(w io.Writer, res *graphql.DiscoveryResult) {
	fmt.Fprintf(w, "Base: %s  (%d paths tested in %s)\n", res.Base, res.Tested, res.Elapsed.Round(1e6))
	if res.CatchAll {
		color.New(color.FgYellow).Fprintln(w, "Server answers every path alike - matching responses were ignored")
	}
	if len(res.Hints) > 0 {
		fmt.Fprintf(w, "Hints: %s\n", strings.Join(res.Hints, ", "))
	}
	fmt.Fprintln(w)
	if len(res.Endpoints) == 0 {
		fmt.Fprintln(w, "No GraphQL endpoints found.")
		return
	}
	fmt.Fprintf(w, "Discovered %d GraphQL endpoint(s):\n", len(res.Endpoints))
	for _, e := range res.Endpoints {
		fmt.Fprintf(w, "  %s %s  [%d, %s, via %s]\n", color.GreenString("✓"), e.URL, e.Status, e.Detection, e.Source)
	}
}

func printFingerprint(w io.Writer, fp *graphql.Fingerprint) {
	fmt.Fprintf(w, "Endpoint:        %s\n", fp.Endpoint)
	fmt.Fprintf(w, "Implementation:  %s (%d%% confidence)\n", color.New(color.Bold).Sprint(fp.Implementation), fp.Confidence)
	if fp.Version != "" {
		fmt.Fprintf(w, "Version:         %s\n", fp.Version)
	}
	if len(fp.Features) > 0 {
		fmt.Fprintf(w, "Features:        %s\n", strings.Join(fp.Features, ", "))
	}
	if fp.Subprotocol != "" {
		fmt.Fprintf(w, "Subprotocol:     %s\n", fp.Subprotocol)
	}
	for _, issue := range fp.KnownIssues {
		fmt.Fprintf(w, "Known issue:     %s\n", color.YellowString(issue))
	}
}

func printSchemaAnalysis(w io.Writer, a *graphql.SchemaAnalysis) {
	fmt.Fprintf(w, "Types: %d  Directives: %d\n", a.TypeCount, a.DirectiveCount)
	fmt.Fprintf(w, "Roots: query=%s mutation=%s subscription=%s\n",
		orDash(a.QueryType), orDash(a.MutationType), orDash(a.SubscriptionType))

	sections := []struct {
		title   string
		entries []graphql.SchemaEntry
	}{
		{"Sensitive fields", a.SensitiveFields},
		{"Authentication flows", a.AuthFlows},
		{"Dangerous mutations", a.DangerousMutations},
		{"Injection candidates", a.InjectionCandidates},
		{"Default value leaks", a.DefaultValueLeaks},
		{"Deprecated fields", a.DeprecatedFields},
	}
	for _, s := range sections {
		if len(s.entries) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s (%d):\n", s.title, len(s.entries))
		for _, e := range s.entries {
			fmt.Fprintf(w, "  - %s\n", e.Path())
		}
	}
}

func printEnumeration(w io.Writer, res *graphql.Enumeration) {
	fmt.Fprintf(w, "Endpoint: %s  (%d requests in %s)\n", res.Endpoint, res.Requests, res.Elapsed.Round(1e6))
	ops := make([]string, 0, len(res.RootTypes))
	for op := range res.RootTypes {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		fmt.Fprintf(w, "Root %s: %s\n", op, res.RootTypes[op])
	}
	fmt.Fprintf(w, "\nQueries (%d): %s\n", len(res.Queries), strings.Join(res.QueryNames(), ", "))
	fmt.Fprintf(w, "Mutations (%d)\n", len(res.Mutations))
	for _, op := range res.SensitiveOperations {
		fmt.Fprintf(w, "  [%s] %s: %s\n", colorSeverity(op.Severity), op.Operation, op.Risk)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
