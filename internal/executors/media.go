package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// MediaTools holds the host binaries and scratch directory the default
// handlers use.
type MediaTools struct {
	FFmpegPath  string
	WhisperPath string
	WorkDir     string
	logger      *common.Logger
}

// NewDefaultRegistry returns a registry with ffmpeg/whisper handlers for
// every base operation.
func NewDefaultRegistry(logger *common.Logger, workDir string) *Registry {
	if workDir == "" {
		workDir = os.TempDir()
	}
	tools := &MediaTools{
		FFmpegPath:  "ffmpeg",
		WhisperPath: "whisper",
		WorkDir:     workDir,
		logger:      logger,
	}

	r := NewRegistry(logger)
	r.Register(models.OpCaption, tools.Caption)
	r.Register(models.OpCaptionSegments, tools.CaptionSegments)
	r.Register(models.OpCaptionHighlight, tools.CaptionHighlight)
	r.Register(models.OpImg2Vid, tools.Img2Vid)
	r.Register(models.OpAddAudio, tools.AddAudio)
	r.Register(models.OpConcatenate, tools.Concatenate)
	r.Register(models.OpTranscribe, tools.Transcribe)
	return r
}

// captionPayload covers caption, caption_segments, and caption_highlight.
type captionPayload struct {
	VideoPath    string `json:"video_path"`
	SubtitlePath string `json:"subtitle_path"`
	FontName     string `json:"font_name"`
	FontSize     int    `json:"font_size"`
}

func (t *MediaTools) Caption(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p captionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid caption payload: %w", err)
	}
	if p.VideoPath == "" || p.SubtitlePath == "" {
		return nil, fmt.Errorf("caption requires video_path and subtitle_path")
	}

	out := t.outputPath("caption", ".mp4")
	style := ""
	if p.FontName != "" {
		size := p.FontSize
		if size <= 0 {
			size = 24
		}
		style = fmt.Sprintf(":force_style='FontName=%s,FontSize=%d'", p.FontName, size)
	}
	filter := fmt.Sprintf("subtitles=%s%s", p.SubtitlePath, style)

	err := t.runFFmpeg(ctx, "-i", p.VideoPath, "-vf", filter, "-c:a", "copy", out)
	if err != nil {
		return nil, err
	}
	return resultPath(out)
}

func (t *MediaTools) CaptionSegments(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	// Segments carry their own subtitle windows but the local render burns
	// them in one pass, same as a plain caption.
	return t.Caption(ctx, payload)
}

func (t *MediaTools) CaptionHighlight(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return t.Caption(ctx, payload)
}

type img2vidPayload struct {
	ImagePath string  `json:"image_path"`
	Duration  float64 `json:"duration"`
	FPS       int     `json:"fps"`
}

func (t *MediaTools) Img2Vid(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p img2vidPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid img2vid payload: %w", err)
	}
	if p.ImagePath == "" {
		return nil, fmt.Errorf("img2vid requires image_path")
	}
	if p.Duration <= 0 {
		p.Duration = 5
	}
	if p.FPS <= 0 {
		p.FPS = 25
	}

	out := t.outputPath("img2vid", ".mp4")
	err := t.runFFmpeg(ctx,
		"-loop", "1",
		"-i", p.ImagePath,
		"-t", fmt.Sprintf("%.2f", p.Duration),
		"-r", fmt.Sprintf("%d", p.FPS),
		"-pix_fmt", "yuv420p",
		out,
	)
	if err != nil {
		return nil, err
	}
	return resultPath(out)
}

type addAudioPayload struct {
	VideoPath string `json:"video_path"`
	AudioPath string `json:"audio_path"`
}

func (t *MediaTools) AddAudio(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p addAudioPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid addaudio payload: %w", err)
	}
	if p.VideoPath == "" || p.AudioPath == "" {
		return nil, fmt.Errorf("addaudio requires video_path and audio_path")
	}

	out := t.outputPath("addaudio", ".mp4")
	err := t.runFFmpeg(ctx,
		"-i", p.VideoPath,
		"-i", p.AudioPath,
		"-map", "0:v:0", "-map", "1:a:0",
		"-c:v", "copy", "-shortest",
		out,
	)
	if err != nil {
		return nil, err
	}
	return resultPath(out)
}

type concatenatePayload struct {
	VideoPaths []string `json:"video_paths"`
}

func (t *MediaTools) Concatenate(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p concatenatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid concatenate payload: %w", err)
	}
	if len(p.VideoPaths) < 2 {
		return nil, fmt.Errorf("concatenate requires at least two video_paths")
	}

	// ffmpeg concat demuxer wants a list file.
	listFile := t.outputPath("concat-list", ".txt")
	var list bytes.Buffer
	for _, path := range p.VideoPaths {
		fmt.Fprintf(&list, "file '%s'\n", path)
	}
	if err := os.WriteFile(listFile, list.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("failed to write concat list: %w", err)
	}
	defer os.Remove(listFile)

	out := t.outputPath("concatenate", ".mp4")
	err := t.runFFmpeg(ctx,
		"-f", "concat", "-safe", "0",
		"-i", listFile,
		"-c", "copy",
		out,
	)
	if err != nil {
		return nil, err
	}
	return resultPath(out)
}

type transcribePayload struct {
	AudioPath string `json:"audio_path"`
	Language  string `json:"language"`
}

func (t *MediaTools) Transcribe(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p transcribePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid transcribe payload: %w", err)
	}
	if p.AudioPath == "" {
		return nil, fmt.Errorf("transcribe requires audio_path")
	}

	args := []string{p.AudioPath, "--output_format", "srt", "--output_dir", t.WorkDir}
	if p.Language != "" {
		args = append(args, "--language", p.Language)
	}

	cmd := exec.CommandContext(ctx, t.WhisperPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("whisper failed: %w: %s", err, stderr.String())
	}

	base := filepath.Base(p.AudioPath)
	srt := filepath.Join(t.WorkDir, base[:len(base)-len(filepath.Ext(base))]+".srt")
	return json.Marshal(map[string]string{"subtitle_path": srt})
}

func (t *MediaTools) runFFmpeg(ctx context.Context, args ...string) error {
	full := append([]string{"-y", "-hide_banner", "-loglevel", "error"}, args...)
	cmd := exec.CommandContext(ctx, t.FFmpegPath, full...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	t.logger.Debug().Strs("args", full).Msg("Running ffmpeg")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, stderr.String())
	}
	return nil
}

func (t *MediaTools) outputPath(prefix, ext string) string {
	return filepath.Join(t.WorkDir, prefix+"-"+uuid.New().String()[:8]+ext)
}

func resultPath(out string) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"video_path": out})
}
