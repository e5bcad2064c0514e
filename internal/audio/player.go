// Package audio plays alarm ringtones through the system audio device.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/example/alarm-clock/internal/alarm"
	"github.com/example/alarm-clock/internal/audio/wavfile"
)

// DefaultRingtone is played when an alarm names no ringtone.
const DefaultRingtone = "default"

const defaultPollInterval = 10 * time.Millisecond

// Voice is one pass over a PCM buffer. *oto.Player satisfies it.
type Voice interface {
	Play()
	IsPlaying() bool
	Pause()
	Close() error
}

// Device creates voices on an opened audio output.
type Device interface {
	NewVoice(pcm []byte) Voice
}

// OpenFunc opens the audio output for the given format.
type OpenFunc func(format wavfile.Format) (Device, error)

// Options configures a Player.
type Options struct {
	SoundDir        string
	DefaultRingtone string
	Open            OpenFunc
	PollInterval    time.Duration
	Logger          *slog.Logger
}

// Player loops the ringtone of the ringing alarm until Stop is called.
type Player struct {
	soundDir        string
	defaultRingtone string
	open            OpenFunc
	poll            time.Duration
	logger          *slog.Logger

	mu        sync.Mutex
	device    Device
	deviceErr error
	opened    bool
	format    wavfile.Format
	stop      chan struct{}
	done      chan struct{}
}

// NewPlayer builds a Player. Without Options.Open the oto backend is used.
func NewPlayer(opts Options) *Player {
	p := &Player{
		soundDir:        opts.SoundDir,
		defaultRingtone: strings.TrimSpace(opts.DefaultRingtone),
		open:            opts.Open,
		poll:            opts.PollInterval,
		logger:          opts.Logger,
	}
	if p.defaultRingtone == "" {
		p.defaultRingtone = DefaultRingtone
	}
	if p.open == nil {
		p.open = OpenOto
	}
	if p.poll <= 0 {
		p.poll = defaultPollInterval
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "audio")
	return p
}

// Play starts looping the ringtone of a, replacing whatever was playing.
func (p *Player) Play(ctx context.Context, a alarm.Alarm) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	logger := p.logger.With("alarm_id", a.ID)
	path, err := p.Resolve(a)
	if err != nil {
		return err
	}

	format, pcm, err := p.load(path)
	if err != nil && path != p.defaultPath() {
		logger.Warn("ringtone unavailable, falling back to default", "path", path, "error", err)
		path = p.defaultPath()
		format, pcm, err = p.load(path)
	}
	if err != nil {
		return fmt.Errorf("load ringtone %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stop != nil {
		close(p.stop)
		<-p.done
		p.stop, p.done = nil, nil
	}

	device, err := p.deviceLocked(format)
	if err != nil {
		return fmt.Errorf("open audio device: %w", err)
	}
	if format != p.format {
		logger.Warn("ringtone format differs from the audio device", "ringtone", format, "device", p.format)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	p.stop, p.done = stop, done
	go p.loop(device, pcm, stop, done)

	logger.Info("ringtone started", "path", path)
	return nil
}

// Stop ends the current ringtone and waits for the loop to exit.
func (p *Player) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	p.logger.Info("ringtone stopped")
}

// Resolve maps the ringtone of a to a file: a custom ringtone given as a
// path or file URL, otherwise <sound dir>/<ringtone>.wav.
func (p *Player) Resolve(a alarm.Alarm) (string, error) {
	if a.IsCustomRingtone && strings.TrimSpace(a.CustomRingtoneURL) != "" {
		raw := strings.TrimSpace(a.CustomRingtoneURL)
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("custom ringtone %q: %w", raw, err)
		}
		switch u.Scheme {
		case "":
			return raw, nil
		case "file":
			return u.Path, nil
		default:
			p.logger.Warn("unsupported custom ringtone scheme", "alarm_id", a.ID, "scheme", u.Scheme)
			return p.defaultPath(), nil
		}
	}

	name := strings.TrimSpace(a.Ringtone)
	if name == "" {
		return p.defaultPath(), nil
	}
	return p.named(name), nil
}

func (p *Player) defaultPath() string {
	return p.named(p.defaultRingtone)
}

func (p *Player) named(name string) string {
	name = filepath.Base(name)
	if !strings.EqualFold(filepath.Ext(name), ".wav") {
		name += ".wav"
	}
	return filepath.Join(p.soundDir, name)
}

func (p *Player) load(path string) (wavfile.Format, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return wavfile.Format{}, nil, err
	}
	return wavfile.Parse(data)
}

// deviceLocked opens the output once; the first ringtone fixes its format.
func (p *Player) deviceLocked(format wavfile.Format) (Device, error) {
	if !p.opened {
		p.opened = true
		p.format = format
		p.device, p.deviceErr = p.open(format)
		if p.deviceErr != nil {
			p.logger.Error("failed to open audio device", "error", p.deviceErr)
		} else {
			p.logger.Info("audio device ready", "sample_rate", format.SampleRate, "channels", format.Channels)
		}
	}
	return p.device, p.deviceErr
}

func (p *Player) loop(device Device, pcm []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		voice := device.NewVoice(pcm)
		voice.Play()
		for voice.IsPlaying() {
			select {
			case <-stop:
				voice.Pause()
				p.close(voice)
				return
			case <-ticker.C:
			}
		}
		p.close(voice)

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (p *Player) close(voice Voice) {
	if err := voice.Close(); err != nil {
		p.logger.Warn("failed to close voice", "error", err)
	}
}

var (
	otoOnce   sync.Once
	otoDevice *otoOutput
	otoErr    error
)

type otoOutput struct {
	ctx *oto.Context
}

func (o *otoOutput) NewVoice(pcm []byte) Voice {
	return o.ctx.NewPlayer(bytes.NewReader(pcm))
}

// OpenOto opens the process wide oto context. oto allows one context per
// process, so later calls return the first device whatever the format.
func OpenOto(format wavfile.Format) (Device, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoDevice = &otoOutput{ctx: ctx}
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoDevice == nil {
		return nil, errors.New("audio context not ready")
	}
	return otoDevice, nil
}
