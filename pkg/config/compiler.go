package config

import (
	"fmt"

	"github.com/a-essam23/spacesync/pkg/pipeline"
	"github.com/a-essam23/spacesync/pkg/protocol"
)

type ModifierFuncProvider func(name string) (pipeline.ModifierFunc, bool)

// CompilePipelines resolves every configured modifier name to its function.
// Only mutating commands may carry a pipeline.
func CompilePipelines(cfg *Config, provider ModifierFuncProvider) error {
	cfg.Pipelines = make(map[protocol.MessageType][]pipeline.Step)
	for name, cmdCfg := range cfg.Commands {
		msgType := protocol.MessageType(name)
		if !msgType.IsMutation() {
			return fmt.Errorf("commands: '%s' is not a mutating command", name)
		}
		pipe := make([]pipeline.Step, 0, len(cmdCfg.Modifiers))
		for _, modCfg := range cmdCfg.Modifiers {
			// look up the Go function for this modifier name.
			fn, ok := provider(modCfg.Name)
			if !ok {
				return fmt.Errorf("unknown modifier '%s' in command '%s'", modCfg.Name, name)
			}
			pipe = append(pipe, pipeline.Step{
				Name:     modCfg.Name,
				Function: fn,
				Params:   modCfg.Params,
			})
		}
		cfg.Pipelines[msgType] = pipe
	}
	return nil
}
