package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd []string
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	SampleRate int     `json:"sample_rate"`
	Encoding   string  `json:"encoding"`
	Mode       string  `json:"mode"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Final      bool   `json:"final"`
	Error      string `json:"error,omitempty"`
}

// NewExecSynth runs command once per request. The request is written to
// stdin as JSON; stdout carries one JSON object per line with base64 PCM.
func NewExecSynth(command string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &execSynth{cmd: args}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.VoiceID,
		Speed:      req.Speed,
		SampleRate: req.SampleRate,
		Encoding:   req.Encoding,
		Mode:       string(req.Mode),
	})
	if err != nil {
		return Audio{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, err
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, err
	}

	out := Audio{SampleRate: req.SampleRate}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	var decodeErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			decodeErr = fmt.Errorf("decode tts output: %w", err)
			break
		}
		if resp.Error != "" {
			decodeErr = fmt.Errorf("tts command: %s", resp.Error)
			break
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			decodeErr = fmt.Errorf("decode tts pcm: %w", err)
			break
		}
		if resp.SampleRate > 0 {
			out.SampleRate = resp.SampleRate
		}
		out.PCM = append(out.PCM, pcm...)
		if resp.Final {
			break
		}
	}
	if decodeErr == nil {
		decodeErr = scanner.Err()
	}
	if decodeErr != nil {
		_ = cmd.Process.Kill()
	}

	waitErr := cmd.Wait()
	if decodeErr != nil {
		return Audio{}, decodeErr
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Audio{}, fmt.Errorf("tts command failed: %w: %s", waitErr, msg)
		}
		return Audio{}, fmt.Errorf("tts command failed: %w", waitErr)
	}
	return out, nil
}
