package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/cache"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/bruteforce"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/jwt"
)

var jwtCmd = &cobra.Command{
	Use:   "jwt",
	Short: "Crack, analyze and forge JSON Web Tokens",
}

var jwtCrackCmd = &cobra.Command{
	Use:   "crack",
	Short: "Recover the HMAC secret of a token",
	Long: `Tests candidate secrets against an HS256/HS384/HS512 token until one
reproduces its signature.

Candidates come from a wordlist, the built-in list of common secrets, a
character-set enumeration, or any combination (tried in that order). With
--cache, secrets recovered earlier are tried first and new ones are stored.

The result is printed as a JSON object by default.

Examples:
  gqlcrack jwt crack --token eyJ... --wordlist rockyou.txt --concurrency 8
  gqlcrack jwt crack --token eyJ... --builtin --charset abc123 --max-len 4
  gqlcrack jwt crack --token eyJ... --wordlist hex.txt --encoding hex --timeout 10m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := crackOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		return runCrack(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

var jwtAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Report structural weaknesses of a token",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		output, _ := cmd.Flags().GetString("output")
		return runAnalyze(token, output, time.Now(), cmd.OutOrStdout())
	},
}

var jwtForgeCmd = &cobra.Command{
	Use:   "forge",
	Short: "Re-sign a token with a known secret or build unsigned variants",
	Long: `Builds tokens for authorization testing.

  --none           print unsigned copies of --token, one per spelling of "none"
  --secret         re-sign --token with the secret after applying --claim overrides
  --alg            mint a fresh token from --claim values when no --token is given

Claim values are parsed as JSON when possible, so --claim admin=true sets a
boolean and --claim exp=1700000000 a number.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		token, _ := flags.GetString("token")
		secret, _ := flags.GetString("secret")
		alg, _ := flags.GetString("alg")
		none, _ := flags.GetBool("none")
		rawClaims, _ := flags.GetStringArray("claim")

		claims, err := parseClaims(rawClaims)
		if err != nil {
			return err
		}
		return runForge(forgeOptions{
			token:  token,
			secret: secret,
			alg:    alg,
			none:   none,
			claims: claims,
		}, cmd.OutOrStdout())
	},
}

var jwtForgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Remove a token's secret from the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("token")
		tok, err := jwt.Parse(raw)
		if err != nil {
			return err
		}
		sc, err := cache.NewSecretCache(cmd.Context(), cfg.Redis, log)
		if err != nil {
			return err
		}
		defer sc.Close()
		if err := sc.Forget(cmd.Context(), tok); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cached secret removed.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jwtCmd)
	jwtCmd.AddCommand(jwtCrackCmd, jwtAnalyzeCmd, jwtForgeCmd, jwtForgetCmd)

	def := config.DefaultConfig()

	crack := jwtCrackCmd.Flags()
	crack.String("token", "", "compact JWT to crack")
	crack.StringP("wordlist", "w", "", "newline-delimited candidate secrets")
	crack.String("encoding", def.Bruteforce.Encoding, "wordlist line encoding (plain, hex, base64)")
	crack.Bool("builtin", false, "try the built-in list of common secrets")
	crack.String("charset", "", "enumerate every string over this alphabet")
	crack.Int("min-len", 1, "shortest charset candidate")
	crack.Int("max-len", 6, "longest charset candidate")
	crack.IntP("concurrency", "c", def.Bruteforce.Concurrency, "number of worker lanes")
	crack.Duration("timeout", def.Bruteforce.Timeout, "stop after this long (0 runs until done)")
	crack.StringP("output", "o", outputJSON, "output format (json, yaml, text)")
	crack.Bool("cache", def.Bruteforce.UseCache, "consult and update the Redis secret cache")
	crack.Bool("progress", false, "log progress while running")
	jwtCrackCmd.MarkFlagRequired("token")
	viper.BindEnv("bruteforce.concurrency", "GQLCRACK_BRUTEFORCE_CONCURRENCY")
	viper.BindEnv("bruteforce.timeout", "GQLCRACK_BRUTEFORCE_TIMEOUT")
	viper.BindEnv("bruteforce.use_cache", "GQLCRACK_BRUTEFORCE_USE_CACHE")
	viper.BindEnv("bruteforce.encoding", "GQLCRACK_BRUTEFORCE_ENCODING")

	analyze := jwtAnalyzeCmd.Flags()
	analyze.String("token", "", "compact JWT to analyze")
	analyze.StringP("output", "o", outputText, "output format (text, json, yaml)")
	jwtAnalyzeCmd.MarkFlagRequired("token")

	forge := jwtForgeCmd.Flags()
	forge.String("token", "", "token to re-sign or strip")
	forge.String("secret", "", "HMAC secret")
	forge.String("alg", string(jwt.HS256), "algorithm for newly minted tokens")
	forge.Bool("none", false, "print unsigned none-algorithm variants of --token")
	forge.StringArray("claim", nil, "claim override as key=value (repeatable)")

	jwtForgetCmd.Flags().String("token", "", "token whose cached secret should be dropped")
	jwtForgetCmd.MarkFlagRequired("token")
}

const cacheWriteTimeout = 5 * time.Second

type crackOptions struct {
	token       string
	wordlist    string
	encoding    string
	builtin     bool
	charset     string
	minLen      int
	maxLen      int
	concurrency int
	timeout     time.Duration
	output      string
	useCache    bool
	progress    bool
}

func crackOptionsFromFlags(cmd *cobra.Command) (crackOptions, error) {
	f := cmd.Flags()
	var opts crackOptions
	opts.token, _ = f.GetString("token")
	opts.wordlist, _ = f.GetString("wordlist")
	opts.encoding, _ = f.GetString("encoding")
	opts.builtin, _ = f.GetBool("builtin")
	opts.charset, _ = f.GetString("charset")
	opts.minLen, _ = f.GetInt("min-len")
	opts.maxLen, _ = f.GetInt("max-len")
	opts.concurrency, _ = f.GetInt("concurrency")
	opts.timeout, _ = f.GetDuration("timeout")
	opts.output, _ = f.GetString("output")
	opts.useCache, _ = f.GetBool("cache")
	opts.progress, _ = f.GetBool("progress")

	// Flags left at their defaults defer to the config file and GQLCRACK_* env.
	if !f.Changed("concurrency") {
		opts.concurrency = cfg.Bruteforce.Concurrency
	}
	if !f.Changed("timeout") {
		opts.timeout = cfg.Bruteforce.Timeout
	}
	if !f.Changed("cache") {
		opts.useCache = cfg.Bruteforce.UseCache
	}
	if !f.Changed("encoding") {
		opts.encoding = cfg.Bruteforce.Encoding
	}

	if err := validOutput(opts.output); err != nil {
		return opts, err
	}
	if opts.wordlist == "" && !opts.builtin && opts.charset == "" {
		return opts, errors.New("no candidates: pass --wordlist, --builtin or --charset")
	}
	return opts, nil
}

// runCrack parses the token, consults the cache and runs the brute-forcer.
// Exhausted and cancelled runs are reported, not returned as errors.
func runCrack(ctx context.Context, opts crackOptions, out io.Writer) error {
	tok, err := jwt.Parse(opts.token)
	if err != nil {
		return err
	}
	if _, err := jwt.NewMatcher(tok); err != nil {
		return err
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	var secrets *cache.SecretCache
	if opts.useCache {
		secrets, err = cache.NewSecretCache(ctx, cfg.Redis, log)
		if err != nil {
			log.Warnw("Secret cache unavailable - continuing without it", "error", err)
		} else {
			defer secrets.Close()
		}
	}

	if secrets != nil {
		secret, ok, err := secrets.Lookup(ctx, tok)
		if err != nil {
			log.Warnw("Secret cache lookup failed", "error", err)
		}
		if ok {
			log.Infow("Secret found in cache", "algorithm", tok.Algorithm())
			return writeResult(out, opts.output, &bruteforce.Result{
				State:       bruteforce.StateFound,
				Secret:      secret,
				Algorithm:   tok.Algorithm(),
				Concurrency: opts.concurrency,
			})
		}
	}

	src, err := buildSource(ctx, opts, secrets)
	if err != nil {
		return err
	}

	bopts := []bruteforce.Option{bruteforce.WithLogger(log)}
	if tel != nil {
		bopts = append(bopts, bruteforce.WithMetrics(tel))
	}
	if opts.progress {
		bopts = append(bopts, bruteforce.WithProgress(cfg.Bruteforce.ProgressInterval, func(p bruteforce.Progress) {
			log.Infow("Brute-force progress",
				"attempts", p.Attempts,
				"skipped", p.Skipped,
				"rate", fmt.Sprintf("%.0f/s", p.AttemptsPerSecond),
				"elapsed", p.Elapsed.Round(time.Second).String(),
			)
		}))
	}

	res, runErr := bruteforce.New(bopts...).Run(ctx, tok, src, opts.concurrency)
	if res == nil {
		return runErr
	}

	if res.Success() && secrets != nil {
		// The run's deadline may already have passed; the write gets its own.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
		if err := secrets.Remember(rctx, tok, res.Secret); err != nil {
			log.Warnw("Failed to cache recovered secret", "error", err)
		}
		cancel()
	}

	if err := writeResult(out, opts.output, res); err != nil {
		return err
	}
	return runErr
}

// buildSource chains known cached secrets, the wordlist, the built-in list
// and the charset enumeration, in that order.
func buildSource(ctx context.Context, opts crackOptions, secrets *cache.SecretCache) (bruteforce.Source, error) {
	var sources []bruteforce.Source

	if secrets != nil {
		known, err := secrets.KnownSecrets(ctx)
		if err != nil {
			log.Warnw("Failed to load known secrets", "error", err)
		}
		if len(known) > 0 {
			items := make([]string, len(known))
			for i, k := range known {
				items[i] = string(k)
			}
			sources = append(sources, bruteforce.NewSliceSource(items))
		}
	}

	if opts.wordlist != "" {
		enc, err := bruteforce.ParseEncoding(opts.encoding)
		if err != nil {
			return nil, err
		}
		wl, err := bruteforce.OpenWordlist(opts.wordlist, enc)
		if err != nil {
			return nil, err
		}
		sources = append(sources, wl)
	}

	if opts.builtin {
		sources = append(sources, bruteforce.BuiltinSecrets())
	}

	if opts.charset != "" {
		cs, err := bruteforce.NewCharsetSource(opts.charset, opts.minLen, opts.maxLen)
		if err != nil {
			for _, s := range sources {
				s.Close()
			}
			return nil, err
		}
		sources = append(sources, cs)
	}

	switch len(sources) {
	case 0:
		return nil, &bruteforce.CandidateSourceError{Op: "open", Err: errors.New("no candidate source")}
	case 1:
		return sources[0], nil
	}
	return bruteforce.Concat(sources...), nil
}

func writeResult(w io.Writer, format string, r *bruteforce.Result) error {
	return writeOutput(w, format, r, func(w io.Writer) { printResult(w, r) })
}

func runAnalyze(raw, output string, now time.Time, out io.Writer) error {
	if err := validOutput(output); err != nil {
		return err
	}
	tok, err := jwt.Parse(raw)
	if err != nil {
		return err
	}
	analysis := jwt.Analyze(tok, now)

	return writeOutput(out, output, analysis, func(w io.Writer) {
		fmt.Fprintf(w, "Algorithm:      %s\n", analysis.Algorithm)
		if analysis.Type != "" {
			fmt.Fprintf(w, "Type:           %s\n", analysis.Type)
		}
		if analysis.KeyID != "" {
			fmt.Fprintf(w, "Key ID:         %s\n", analysis.KeyID)
		}
		if analysis.ExpiresAt != nil {
			state := color.GreenString("valid")
			if analysis.Expired {
				state = color.RedString("expired")
			}
			fmt.Fprintf(w, "Expires:        %s (%s)\n", analysis.ExpiresAt.Format(time.RFC3339), state)
		}
		fmt.Fprintf(w, "Brute-forceable: %t\n\n", analysis.Bruteforceable)

		claims, _ := json.MarshalIndent(analysis.Claims, "", "  ")
		fmt.Fprintf(w, "Claims:\n%s\n\n", claims)

		printFindings(w, analysis.Findings(""), 0)
	})
}

type forgeOptions struct {
	token  string
	secret string
	alg    string
	none   bool
	claims map[string]interface{}
}

func runForge(opts forgeOptions, out io.Writer) error {
	if opts.token == "" {
		if opts.none {
			return errors.New("--none needs --token")
		}
		if opts.secret == "" {
			return errors.New("minting a token needs --secret")
		}
		minted, err := jwt.Encode(opts.claims, []byte(opts.secret), jwt.Algorithm(opts.alg))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, minted)
		return nil
	}

	tok, err := jwt.Parse(opts.token)
	if err != nil {
		return err
	}

	if opts.none {
		variants, err := jwt.NoneAlgorithmVariants(tok)
		if err != nil {
			return err
		}
		for _, v := range variants {
			fmt.Fprintln(out, v)
		}
		return nil
	}

	if opts.secret == "" {
		return errors.New("re-signing needs --secret (or use --none)")
	}
	signed, err := jwt.Resign(tok, opts.claims, []byte(opts.secret))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, signed)
	return nil
}

// parseClaims splits key=value pairs; values that parse as JSON keep their type.
func parseClaims(raw []string) (map[string]interface{}, error) {
	claims := make(map[string]interface{}, len(raw))
	for _, c := range raw {
		key, value, ok := strings.Cut(c, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid claim %q: expected key=value", c)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		claims[key] = v
	}
	return claims, nil
}

// readLines loads a newline-delimited file, skipping blanks and # comments.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}
