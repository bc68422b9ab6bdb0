package volume

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/klauspost/reedsolomon"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kenchrcum/bararchive/internal/barerr"
	"github.com/kenchrcum/bararchive/internal/config"
	"github.com/kenchrcum/bararchive/internal/obslog"
)

// sleep is a var so tests can replace a multi-second settling delay with a
// no-op instead of actually waiting.
var sleep = time.Sleep

// ChangeResult is what a medium-change channel (callback, external command,
// or interactive prompt) reports back to Manager.
type ChangeResult string

const (
	ChangeOK      ChangeResult = "OK"
	ChangeUnload  ChangeResult = "UNLOAD" // loop again: user wants to eject/insert manually
	ChangeAborted ChangeResult = "ABORTED"
)

// ChangeCallback is the job controller's registered medium-change handler,
// the highest-priority channel in spec §4.6's three-channel protocol.
type ChangeCallback func(ctx context.Context, requestedVolumeNumber int) (ChangeResult, error)

// Prompter is the console fallback used when no callback and no
// requestVolumeCommand are configured: interactive if a terminal is
// attached, otherwise a logged batch-mode wait.
type Prompter interface {
	PromptForMedium(ctx context.Context, requestedVolumeNumber int) (ChangeResult, error)
}

// Runner executes one shell command template, abstracted so Manager's tests
// don't have to shell out to mkisofs/dvdisaster/growisofs.
type Runner interface {
	Run(ctx context.Context, command string) error
}

// execRunner runs command through "sh -c", the same invocation shape the
// original's Misc_executeCommand uses for its configurable command
// templates.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return barerr.Wrap(barerr.KindVolumeLoadFail, err, "command %q failed: %s", command, out)
	}
	return nil
}

// Manager is VolumeManager (spec §4.6): it tracks which volume the writer
// is currently filling, runs the image/ecc/write command pipeline when a
// volume fills, and drives the medium-change protocol between volumes.
type Manager struct {
	cfg    config.VolumeConfig
	logger *obslog.SessionLogger
	runner Runner

	callback ChangeCallback
	prompter Prompter

	device string

	volumeNumber                int
	partsWrittenToCurrentVolume int
	bytesInCurrentVolume        uint64
}

// New builds a Manager for one archive session. callback and prompter may
// both be nil, in which case only cfg.RequestVolumeCommand (if set) can
// satisfy a medium-change request; if that's also unset, a change request
// is ABORTED immediately.
func New(cfg config.VolumeConfig, device string, logger *logrus.Logger, callback ChangeCallback, prompter Prompter) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   obslog.NewSessionLogger(logger, "", ""),
		runner:   execRunner{},
		callback: callback,
		prompter: prompter,
		device:   device,
	}
}

// VolumeNumber reports the volume currently being filled.
func (m *Manager) VolumeNumber() int { return m.volumeNumber }

// RecordPart tells Manager that one more part of size bytes was written to
// the current volume, for the volumeSize-driven fill decision.
func (m *Manager) RecordPart(size int64) {
	m.partsWrittenToCurrentVolume++
	m.bytesInCurrentVolume += uint64(size)
}

// ShouldFill reports whether the current volume has reached cfg.VolumeSize.
// A zero VolumeSize means one volume per archive: it never fills early.
func (m *Manager) ShouldFill() bool {
	if m.cfg.VolumeSize == 0 {
		return false
	}
	return m.bytesInCurrentVolume >= m.cfg.VolumeSize
}

// Fill runs the volume-fill pipeline (spec §4.6 steps 1-7): image the
// staged parts, optionally add error-correction, optionally blank the
// medium, request the next physical medium, write the image (or copy the
// parts directly), then clean up staging.
func (m *Manager) Fill(ctx context.Context, stagingDir string, partFiles []string) error {
	imagePath := filepath.Join(stagingDir, fmt.Sprintf("volume-%d.img", m.volumeNumber))

	macros := Macros{Device: m.device, Directory: stagingDir, Image: imagePath}

	if err := m.runStep(ctx, "imagePreProcessCommand", m.cfg.ImagePreProcessCommand, macros); err != nil {
		return err
	}
	if m.cfg.ImageCommand != "" {
		if err := m.runStep(ctx, "imageCommand", m.cfg.ImageCommand, macros); err != nil {
			return err
		}
	}
	if err := m.runStep(ctx, "imagePostProcessCommand", m.cfg.ImagePostProcessCommand, macros); err != nil {
		return err
	}

	if m.cfg.ECCEnabled {
		if err := m.addErrorCorrection(ctx, imagePath, macros); err != nil {
			return err
		}
	}

	if m.cfg.BlankCommand != "" {
		if err := m.runStep(ctx, "blankCommand", m.cfg.BlankCommand, macros); err != nil {
			return err
		}
	}

	m.logger.Volume("filling", m.volumeNumber, logrus.Fields{"staging": stagingDir})
	if err := m.requestMedium(ctx); err != nil {
		return err
	}

	sectors := uint64(0)
	if info, err := os.Stat(imagePath); err == nil {
		sectors = uint64(info.Size() / 2048)
	}
	writeMacros := macros.WithSectors(sectors)

	if err := m.runStep(ctx, "writePreProcessCommand", m.cfg.WritePreProcessCommand, writeMacros); err != nil {
		return err
	}
	if m.cfg.WriteImageCommand != "" {
		if err := m.runStep(ctx, "writeImageCommand", m.cfg.WriteImageCommand, writeMacros); err != nil {
			return err
		}
	} else if m.cfg.WriteCommand != "" {
		if err := m.runStep(ctx, "writeCommand", m.cfg.WriteCommand, writeMacros); err != nil {
			return err
		}
	}
	if err := m.runStep(ctx, "writePostProcessCommand", m.cfg.WritePostProcessCommand, writeMacros); err != nil {
		return err
	}

	for _, f := range partFiles {
		_ = os.Remove(f)
	}
	_ = os.Remove(imagePath)

	m.volumeNumber++
	m.partsWrittenToCurrentVolume = 0
	m.bytesInCurrentVolume = 0
	m.logger.Volume("filled", m.volumeNumber-1, nil)
	return nil
}

// addErrorCorrection augments imagePath with Reed-Solomon parity shards,
// the in-process default standing in for the original's dvdisaster
// invocation when no external eccCommand is configured.
func (m *Manager) addErrorCorrection(ctx context.Context, imagePath string, macros Macros) error {
	if m.cfg.ECCCommand != "" {
		if err := m.runStep(ctx, "eccPreProcessCommand", m.cfg.ECCPreProcessCommand, macros); err != nil {
			return err
		}
		if err := m.runStep(ctx, "eccCommand", m.cfg.ECCCommand, macros); err != nil {
			return err
		}
		return m.runStep(ctx, "eccPostProcessCommand", m.cfg.ECCPostProcessCommand, macros)
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return barerr.Wrap(barerr.KindVolumeLoadFail, err, "reading image %q for ecc", imagePath)
	}
	enc, err := reedsolomon.New(m.cfg.ECCDataShards, m.cfg.ECCParityShards)
	if err != nil {
		return barerr.Wrap(barerr.KindVolumeLoadFail, err, "constructing reed-solomon encoder")
	}
	shards, err := enc.Split(data)
	if err != nil {
		return barerr.Wrap(barerr.KindVolumeLoadFail, err, "splitting image into shards")
	}
	if err := enc.Encode(shards); err != nil {
		return barerr.Wrap(barerr.KindVolumeLoadFail, err, "encoding parity shards")
	}

	eccPath := imagePath + ".ecc"
	f, err := os.Create(eccPath)
	if err != nil {
		return barerr.Wrap(barerr.KindVolumeLoadFail, err, "creating ecc sidecar %q", eccPath)
	}
	defer f.Close()
	for _, shard := range shards[m.cfg.ECCDataShards:] {
		if _, err := f.Write(shard); err != nil {
			return barerr.Wrap(barerr.KindVolumeLoadFail, err, "writing parity shard")
		}
	}
	return nil
}

func (m *Manager) runStep(ctx context.Context, name, template string, macros Macros) error {
	if template == "" {
		return nil
	}
	return m.runner.Run(ctx, Expand(template, macros))
}

// requestMedium runs the medium-change protocol (spec §4.6): unload, then
// request a new medium via callback, external command, or interactive
// prompt in that priority order, then load with the configured settling
// delay.
func (m *Manager) requestMedium(ctx context.Context) error {
	requested := m.volumeNumber + 1
	macros := Macros{Device: m.device}.WithNumber(requested)

	if err := m.runStep(ctx, "unloadVolumeCommand", m.cfg.UnloadVolumeCommand, macros); err != nil {
		return err
	}

	for {
		result, err := m.changeChannel(ctx, requested)
		if err != nil {
			return err
		}
		switch result {
		case ChangeUnload:
			continue
		case ChangeAborted:
			return barerr.New(barerr.KindAborted, "medium change for volume %d aborted", requested)
		case ChangeOK:
			if err := m.runStep(ctx, "loadVolumeCommand", m.cfg.LoadVolumeCommand, macros); err != nil {
				return err
			}
			m.sleepSettling()
			return nil
		}
	}
}

func (m *Manager) sleepSettling() {
	if m.cfg.LoadSettlingDelay > 0 {
		sleep(m.cfg.LoadSettlingDelay)
	}
}

// changeChannel tries, in priority order: the registered callback, the
// external requestVolumeCommand, then the interactive/batch prompter.
func (m *Manager) changeChannel(ctx context.Context, requested int) (ChangeResult, error) {
	if m.callback != nil {
		return m.callback(ctx, requested)
	}
	if m.cfg.RequestVolumeCommand != "" {
		macros := Macros{Device: m.device}.WithNumber(requested)
		if err := m.runner.Run(ctx, Expand(m.cfg.RequestVolumeCommand, macros)); err != nil {
			return ChangeAborted, nil
		}
		return ChangeOK, nil
	}
	if m.prompter != nil {
		return m.prompter.PromptForMedium(ctx, requested)
	}
	m.logger.Volume("no medium-change channel configured", requested, nil)
	return ChangeAborted, nil
}

// CheckStagingSpace implements the spec §4.6 preflight: free space must be
// at least volumeSize + maxImageSize*(2 if ecc else 1). Insufficient space
// is reported, not failed — the caller logs it as a warning.
func CheckStagingSpace(stagingDir string, cfg config.VolumeConfig) (ok bool, free uint64, required uint64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(stagingDir, &stat); err != nil {
		return false, 0, 0, barerr.Wrap(barerr.KindVolumeLoadFail, err, "statfs %q", stagingDir)
	}
	free = stat.Bavail * uint64(stat.Bsize)

	multiplier := uint64(1)
	if cfg.ECCEnabled {
		multiplier = 2
	}
	required = cfg.VolumeSize + cfg.MaxImageSize*multiplier
	return free >= required, free, required, nil
}
