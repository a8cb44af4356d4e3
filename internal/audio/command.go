package audio

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"

	logx "wxalert/pkg/logx"
)

// VolumePlaceholder in a command argument is replaced with the volume in [0,1].
const VolumePlaceholder = "{volume}"

// CommandPlayer plays by running an external command, e.g.
// ["paplay", "--volume={volume}", "/usr/share/sounds/alarm.oga"].
type CommandPlayer struct {
	argv []string
	log  logx.Logger
}

func NewCommandPlayer(argv []string, log logx.Logger) (*CommandPlayer, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("audio: empty command")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandPlayer{argv: append([]string(nil), argv...), log: log}, nil
}

func (p *CommandPlayer) Play(ctx context.Context, volume float64) (<-chan struct{}, error) {
	vol := strconv.FormatFloat(volume, 'f', 2, 64)
	args := make([]string, len(p.argv)-1)
	for i, a := range p.argv[1:] {
		args[i] = strings.ReplaceAll(a, VolumePlaceholder, vol)
	}
	cmd := exec.CommandContext(ctx, p.argv[0], args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			p.log.Debug("alarm command exited", logx.Err(err))
		}
	}()
	return done, nil
}
