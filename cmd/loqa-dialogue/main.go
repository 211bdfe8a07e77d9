package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-dialogue/internal/audio"
	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/preset"
	"github.com/loqalabs/loqa-dialogue/internal/runtime"
	"github.com/loqalabs/loqa-dialogue/internal/script"
	"github.com/loqalabs/loqa-dialogue/internal/synth"
	"github.com/loqalabs/loqa-dialogue/internal/voice"
)

const usage = "expected 'render', 'analyze', 'voices' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "render":
		err = runRender(ctx, os.Args[2:], os.Stdout, os.Stderr)
	case "analyze":
		err = runAnalyze(os.Args[2:], os.Stdout)
	case "voices":
		err = runVoices(ctx, os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(runtime.Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type renderFlags struct {
	configPath   string
	input        string
	voiceMapping string
	presetPath   string
	output       string
	savePreset   string
	mode         string
	sampleRate   int
	parallel     bool
	autoAssign   bool
	policy       string
	verbose      bool
}

func runRender(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var f renderFlags
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&f.input, "input", "script.txt", "Path to the script file, - for stdin")
	fs.StringVar(&f.voiceMapping, "voice-mapping", "", "Path to a JSON object mapping speaker names to voice ids")
	fs.StringVar(&f.presetPath, "preset", "", "Replay a saved generation record instead of --input")
	fs.StringVar(&f.output, "output", "output.wav", "Path to write the WAV file")
	fs.StringVar(&f.savePreset, "save-preset", "", "Write the generation record to this file or directory")
	fs.StringVar(&f.mode, "mode", "", "Synthesis mode: fast or longform")
	fs.IntVar(&f.sampleRate, "sample-rate", 0, "Output sample rate in Hz")
	fs.BoolVar(&f.parallel, "parallel", false, "Render longform segments in parallel")
	fs.BoolVar(&f.autoAssign, "auto-assign", true, "Assign catalog voices to unmapped speakers")
	fs.StringVar(&f.policy, "failure-policy", "", "skip or abort")
	fs.BoolVar(&f.verbose, "v", false, "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	text, assignments, quality, err := renderInputs(f, cfg)
	if err != nil {
		return err
	}

	catalog, err := runtime.Catalog(cfg.Catalog).List(ctx)
	if err != nil {
		logger.Warn("voice catalog unavailable", slog.String("error", err.Error()))
	}
	if f.autoAssign {
		res := voice.Resolve(script.Parse(text).Speakers, assignments, catalog, runtime.Defaults(cfg.Speakers))
		assignments = res.Assignments
		if len(res.Unassigned) > 0 {
			logger.Warn("no voice available", slog.Any("speakers", res.Unassigned))
		}
	}

	s, err := synth.New(cfg.Synth)
	if err != nil {
		return err
	}
	if c, ok := s.(*synth.Cache); ok {
		defer c.Close()
	}
	opts, err := runtime.OrchestratorOptions(cfg.Generation)
	if err != nil {
		return err
	}
	orch := dialogue.New(s, opts, logger, nil)

	jobOpts := []dialogue.JobOption{dialogue.WithCatalog(catalog)}
	if f.policy != "" {
		p, err := dialogue.ParseFailurePolicy(f.policy)
		if err != nil {
			return err
		}
		jobOpts = append(jobOpts, dialogue.WithFailurePolicy(p))
	}
	total := len(script.Parse(text).Segments)
	var completed int
	jobOpts = append(jobOpts, dialogue.WithObserver(func(_ string, seg dialogue.SegmentResult) {
		completed++
		fmt.Fprintf(stderr, "[%d/%d] %s: %s\n", completed, total, seg.Speaker, seg.Status)
	}))

	res, err := orch.Render(ctx, text, assignments, quality, jobOpts...)
	if err != nil {
		return fmt.Errorf("render failed: %w", err)
	}

	if err := writeWAV(f.output, res); err != nil {
		return err
	}
	if f.savePreset != "" {
		path, err := savePreset(f.savePreset, res.Record)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "preset: %s\n", path)
	}

	fmt.Fprintf(stdout, "%s: %s, %s of audio, %s (%s, %s)\n",
		f.output, res.Status,
		preset.FormatSeconds(res.Format().Duration(res.Audio)),
		humanize.Bytes(uint64(len(res.Audio))),
		res.Method, preset.FormatSeconds(res.Elapsed),
	)
	if len(res.Missing) > 0 {
		fmt.Fprintf(stdout, "missing segments: %v\n", res.Missing)
	}
	return nil
}

// renderInputs collects the script, assignments and quality for a render
// from a preset or from the script and mapping files, then applies flags.
func renderInputs(f renderFlags, cfg config.Config) (string, voice.Assignments, dialogue.QualitySettings, error) {
	quality := runtime.DefaultQuality(cfg.Generation)
	var (
		text        string
		assignments voice.Assignments
	)

	if f.presetPath != "" {
		data, err := os.ReadFile(f.presetPath)
		if err != nil {
			return "", voice.Assignments{}, quality, fmt.Errorf("read preset: %w", err)
		}
		record, err := preset.Unmarshal(data)
		if err != nil {
			return "", voice.Assignments{}, quality, err
		}
		var q preset.QualitySettings
		text, assignments, q = preset.Replay(record)
		quality = dialogue.QualityFromRecord(q)
	} else {
		data, err := readInput(f.input)
		if err != nil {
			return "", voice.Assignments{}, quality, err
		}
		text = string(data)
		if f.voiceMapping != "" {
			assignments, err = loadVoiceMapping(f.voiceMapping)
			if err != nil {
				return "", voice.Assignments{}, quality, err
			}
		}
	}

	if f.mode != "" {
		quality.Mode = synth.Mode(f.mode)
		quality.SampleRate = 0
	}
	if f.sampleRate != 0 {
		quality.SampleRate = f.sampleRate
	}
	if f.parallel {
		quality.Parallel = true
	}
	return text, assignments, quality.Normalize(), nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return data, nil
}

// loadVoiceMapping accepts either {"Speaker": "voice-id"} or the
// assignments form {"voices": {...}, "speeds": {...}}.
func loadVoiceMapping(path string) (voice.Assignments, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return voice.Assignments{}, fmt.Errorf("read voice mapping: %w", err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return voice.Assignments{}, fmt.Errorf("parse voice mapping: %w", err)
	}
	if _, ok := probe["voices"]; ok {
		var a voice.Assignments
		if err := json.Unmarshal(data, &a); err != nil {
			return voice.Assignments{}, fmt.Errorf("parse voice mapping: %w", err)
		}
		return a.Clone(), nil
	}
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return voice.Assignments{}, fmt.Errorf("parse voice mapping: %w", err)
	}
	return voice.Assignments{Voices: flat}.Clone(), nil
}

func writeWAV(path string, res *dialogue.Result) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := audio.EncodeWAV(out, res.Audio, res.Format()); err != nil {
		out.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	return out.Close()
}

// savePreset writes record to path. A directory gets the conventional
// preset file name; a .yaml or .yml extension selects YAML.
func savePreset(path string, record preset.Record) (string, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, preset.Filename(record))
	}
	format := "json"
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		format = "yaml"
	}
	data, err := preset.Marshal(record, format)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write preset: %w", err)
	}
	return path, nil
}

func runAnalyze(args []string, stdout io.Writer) error {
	var (
		input string
		wpm   int
	)
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	fs.StringVar(&input, "input", "script.txt", "Path to the script file, - for stdin")
	fs.IntVar(&wpm, "wpm", script.WordsPerMinute, "Speaking rate used for the estimate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	data, err := readInput(input)
	if err != nil {
		return err
	}
	text := string(data)
	stats := script.ComputeStats(text, wpm)
	fmt.Fprintf(stdout, "characters: %s\n", humanize.Comma(int64(stats.Characters)))
	fmt.Fprintf(stdout, "words:      %s\n", humanize.Comma(int64(stats.Words)))
	fmt.Fprintf(stdout, "lines:      %d\n", stats.Lines)
	fmt.Fprintf(stdout, "speakers:   %s\n", strings.Join(stats.Speakers, ", "))
	fmt.Fprintf(stdout, "estimate:   %s\n", humanize.FtoaWithDigits(stats.EstimatedDuration, 1)+"s")

	for _, w := range script.Parse(text).Warnings {
		fmt.Fprintf(stdout, "warning: %s\n", w)
	}
	if v := script.Validate(text); !v.IsValid {
		return errors.New("script invalid:\n  " + strings.Join(v.Errors, "\n  "))
	}
	return nil
}

func runVoices(ctx context.Context, args []string, stdout io.Writer) error {
	var configPath, lang string
	fs := flag.NewFlagSet("voices", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&lang, "lang", "", "Only list voices for this language code")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	voices, err := runtime.Catalog(cfg.Catalog).List(ctx)
	if err != nil {
		return fmt.Errorf("list voices: %w", err)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tLANG")
	for _, v := range voice.FilterByLanguage(voices, lang) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Type, v.LangCode)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "languages: %s\n", strings.Join(voice.Languages(voices), ", "))
	return nil
}
