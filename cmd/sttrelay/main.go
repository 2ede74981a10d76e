package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harunnryd/sttrelay/pkg/client"
	"github.com/harunnryd/sttrelay/pkg/frames"
	"github.com/harunnryd/sttrelay/pkg/logging"
	"github.com/harunnryd/sttrelay/pkg/providers/deepgram"
	"github.com/harunnryd/sttrelay/pkg/redact"
	"github.com/harunnryd/sttrelay/pkg/runner"
	"github.com/harunnryd/sttrelay/pkg/sttrelay"
	"github.com/harunnryd/sttrelay/pkg/telephony"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "sttrelay",
	Short:        "Real-time speech-to-text websocket relay",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.AddCommand(
		serveCmd(),
		streamCmd(),
		dialCmd(),
		versionCmd(),
	)
}

// loadConfig applies the dotenv file, reads the config and sets up logging.
func loadConfig() (sttrelay.Config, *slog.Logger, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return sttrelay.Config{}, nil, fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := sttrelay.LoadConfig(configPath)
	if err != nil {
		return sttrelay.Config{}, nil, err
	}
	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	var noBanner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			obs, err := sttrelay.NewObservability(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := obs.Close(); err != nil {
					logger.Warn("observability_close_failed", slog.String("error", err.Error()))
				}
			}()
			server, err := sttrelay.NewServer(cfg, nil, obs, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := runner.Options{Timeout: cfg.DrainTimeout(), Logger: logger}
			if noBanner {
				opts.Banner = io.Discard
			}
			return runner.NewLifecycleRunner(server, server, opts).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&noBanner, "no-banner", false, "do not print the startup banner")
	return cmd
}

func streamCmd() *cobra.Command {
	var (
		url        string
		file       string
		params     []string
		blockSize  int
		sampleRate int
		realtime   bool
	)
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream raw float32 little-endian samples to a relay and print transcripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadConfig()
			if err != nil {
				return err
			}
			query, err := parseParams(params)
			if err != nil {
				return err
			}
			in := io.Reader(os.Stdin)
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			streamer := client.New(client.Config{
				URL:        url,
				Params:     query,
				BlockSize:  blockSize,
				SampleRate: sampleRate,
				Realtime:   realtime,
			}, nil, logger)
			out := cmd.OutOrStdout()
			res, err := streamer.Stream(ctx, in, func(m client.Message) {
				printMessage(out, m)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "blocks sent=%d dropped=%d close=%d %s\n",
				res.BlocksSent, res.BlocksDropped, res.CloseCode, res.CloseReason)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/listen", "relay listen endpoint")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "sample file, - for stdin")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "recognition parameter key=value, repeatable")
	cmd.Flags().IntVar(&blockSize, "block-size", 0, "samples per block")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 16000, "sample rate used for --realtime pacing")
	cmd.Flags().BoolVar(&realtime, "realtime", false, "pace blocks at the sample rate")
	return cmd
}

func dialCmd() *cobra.Command {
	var req telephony.CallRequest
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Place an outbound call through the configured telephony provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			placer, _, err := sttrelay.DefaultRegistry().BuildTelephony(cfg, logger)
			if err != nil {
				return err
			}
			sid, err := placer.PlaceCall(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sid)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.To, "to", "", "destination number")
	cmd.Flags().StringVar(&req.From, "from", "", "caller number, defaults to telephony.settings.from")
	cmd.Flags().StringVar(&req.WebhookURL, "webhook", "", "voice webhook url, defaults to telephony.settings.voice_url")
	cmd.Flags().StringVar(&req.SendDigits, "digits", "", "DTMF digits sent after the call connects")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), runner.Version)
		},
	}
}

func parseParams(kv []string) (map[string]string, error) {
	out := make(map[string]string, len(kv))
	for _, p := range kv {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

// printMessage writes transcripts one per line; other provider messages are
// printed by type.
func printMessage(w io.Writer, m client.Message) {
	if !m.Binary {
		p, err := deepgram.PeekMessage(m.Data)
		if err == nil {
			switch {
			case p.Transcript != "":
				marker := " "
				if p.IsFinal {
					marker = "*"
				}
				fmt.Fprintf(w, "%s %s\n", marker, p.Transcript)
				return
			case p.ErrMsg != "":
				fmt.Fprintf(w, "! %s: %s\n", p.ErrCode, p.ErrMsg)
				return
			case p.Type == frames.TypeError:
				// The relay's own notice carries message and error, not err_code/err_msg.
				var n frames.ErrorNotice
				if json.Unmarshal(m.Data, &n) == nil && (n.Message != "" || n.Error != "") {
					fmt.Fprintf(w, "! %s: %s\n", n.Message, n.Error)
					return
				}
				fmt.Fprintf(w, "# %s\n", p.Type)
				return
			case p.Type != "":
				fmt.Fprintf(w, "# %s\n", p.Type)
				return
			}
		}
	}
	fmt.Fprintf(w, "# %d bytes\n", len(m.Data))
}
