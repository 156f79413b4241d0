// Package profile compiles a traffic profile into per-worker stream
// programs.
package profile

import (
	"fmt"
	"slices"

	"github.com/gobwas/glob"

	"github.com/yanet-platform/tgen/dataplane/fieldvm"
	"github.com/yanet-platform/tgen/dataplane/node"
	"github.com/yanet-platform/tgen/dataplane/stream"
)

// Replay is a compiled capture replay.
type Replay struct {
	File   string
	Config node.ReplayConfig
}

// Plan is the work of a single worker.
type Plan struct {
	// Program is nil when the worker has no streams.
	Program *stream.Program
	Ports   []uint8
	Replays []Replay
}

// Compile turns the profile into one plan per worker.
func Compile(cfg *Config, workers int) ([]Plan, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("invalid number of workers %d", workers)
	}

	selector, err := newSelector(cfg.Select)
	if err != nil {
		return nil, err
	}

	owners := map[uint8]int{}
	streams := make([][]stream.Stream, workers)
	plans := make([]Plan, workers)

	for _, port := range cfg.Ports {
		if port.Worker < 0 || port.Worker >= workers {
			return nil, fmt.Errorf("port %d: no worker %d", port.Port, port.Worker)
		}
		if _, ok := owners[port.Port]; ok {
			return nil, fmt.Errorf("port %d is configured twice", port.Port)
		}
		owners[port.Port] = port.Worker

		compiled, err := compilePort(port, len(streams[port.Worker]), selector)
		if err != nil {
			return nil, fmt.Errorf("port %d: %w", port.Port, err)
		}
		streams[port.Worker] = append(streams[port.Worker], compiled...)
		plans[port.Worker].Ports = append(plans[port.Worker].Ports, port.Port)
	}

	for idx := range plans {
		if len(streams[idx]) == 0 {
			continue
		}
		program, err := stream.NewProgram(streams[idx]...)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", idx, err)
		}
		plans[idx].Program = program
	}

	for idx, r := range cfg.Replays {
		if r.Worker < 0 || r.Worker >= workers {
			return nil, fmt.Errorf("replay %d: no worker %d", idx, r.Worker)
		}
		if owner, ok := owners[r.Port]; ok && owner != r.Worker {
			return nil, fmt.Errorf("replay %d: port %d is driven by worker %d", idx, r.Port, owner)
		}
		owners[r.Port] = r.Worker

		replay, err := compileReplay(r)
		if err != nil {
			return nil, fmt.Errorf("replay %d: %w", idx, err)
		}
		plans[r.Worker].Replays = append(plans[r.Worker].Replays, replay)
	}

	return plans, nil
}

type selector []glob.Glob

func newSelector(patterns []string) (selector, error) {
	out := make(selector, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile stream pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (m selector) Match(name string) bool {
	if len(m) == 0 {
		return true
	}
	return slices.ContainsFunc(m, func(g glob.Glob) bool {
		return g.Match(name)
	})
}

// compilePort compiles the streams of a port whose IDs start at base.
func compilePort(cfg PortConfig, base int, sel selector) ([]stream.Stream, error) {
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("no streams")
	}

	ids := make(map[string]stream.ID, len(cfg.Streams))
	for idx, s := range cfg.Streams {
		if s.Name == "" {
			return nil, fmt.Errorf("stream %d has no name", idx)
		}
		if _, ok := ids[s.Name]; ok {
			return nil, fmt.Errorf("duplicate stream %q", s.Name)
		}
		ids[s.Name] = stream.ID(base + idx)
	}

	out := make([]stream.Stream, 0, len(cfg.Streams))
	for _, s := range cfg.Streams {
		compiled, err := compileStream(cfg.Port, s, ids)
		if err != nil {
			return nil, fmt.Errorf("stream %q: %w", s.Name, err)
		}
		if !sel.Match(s.Name) {
			compiled.NullStream = true
		}
		out = append(out, compiled)
	}

	return out, nil
}

func compileStream(port uint8, cfg StreamConfig, ids map[string]stream.ID) (stream.Stream, error) {
	typ, err := stream.ParseType(cfg.Type)
	if err != nil {
		return stream.Stream{}, err
	}

	next := stream.NoStream
	if cfg.Next != "" {
		id, ok := ids[cfg.Next]
		if !ok {
			return stream.Stream{}, fmt.Errorf("unknown next stream %q", cfg.Next)
		}
		next = id
	}

	multiplier := cfg.Multiplier
	if multiplier == 0 {
		multiplier = 1
	}
	selfStart := true
	if cfg.SelfStart != nil {
		selfStart = *cfg.SelfStart
	}
	bursts := cfg.Bursts
	if typ == stream.SingleBurst {
		bursts = 1
	}

	tpl, err := BuildPacket(cfg.Packet)
	if err != nil {
		return stream.Stream{}, err
	}

	program, err := compileVars(tpl, cfg.Vars)
	if err != nil {
		return stream.Stream{}, err
	}

	return stream.Stream{
		Name:        cfg.Name,
		Port:        port,
		Type:        typ,
		PPS:         cfg.PPS,
		Multiplier:  multiplier,
		ISG:         cfg.ISG,
		IBG:         cfg.IBG,
		PhasePre:    cfg.PhasePre,
		PhasePost:   cfg.PhasePost,
		BurstSize:   cfg.BurstSize,
		Bursts:      bursts,
		Next:        next,
		Loops:       cfg.Loops,
		SelfStart:   selfStart,
		Packet:      tpl.Data,
		Program:     program,
		CacheSize:   cfg.CacheSize,
		StatsNeeded: cfg.StatsID != 0,
		StatsHwID:   cfg.StatsID,
		NullStream:  cfg.Null,
	}, nil
}

func compileVars(tpl *Template, vars []VarConfig) (*fieldvm.Program, error) {
	if len(vars) == 0 {
		return nil, nil
	}

	program := &fieldvm.Program{}
	for idx, v := range vars {
		op, err := fieldvm.ParseOp(v.Op)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", v.Name, err)
		}

		offset, size := v.Offset, v.Size
		if v.Field != "" {
			fieldOffset, fieldSize, err := tpl.FieldOffset(v.Field)
			if err != nil {
				return nil, fmt.Errorf("variable %q: %w", v.Name, err)
			}
			offset = fieldOffset
			if size == 0 {
				size = fieldSize
			}
		}

		step := v.Step
		if step == 0 {
			step = 1
		}
		init := max(v.Init, v.Min)

		program.Vars = append(program.Vars, fieldvm.FlowVar{
			Name: v.Name,
			Size: size,
			Op:   op,
			Min:  v.Min,
			Max:  v.Max,
			Step: step,
			Init: init,
		})
		program.Writes = append(program.Writes, fieldvm.Write{Var: idx, Offset: offset})
	}

	if err := program.Validate(len(tpl.Data)); err != nil {
		return nil, err
	}

	return program, nil
}

func compileReplay(cfg ReplayConfig) (Replay, error) {
	if cfg.File == "" {
		return Replay{}, fmt.Errorf("no capture file")
	}

	out := node.ReplayConfig{
		Port:    cfg.Port,
		IPG:     -1,
		Speedup: cfg.Speedup,
		Count:   cfg.Count,
		Dual:    cfg.Dual,
	}
	if cfg.IPG != nil {
		out.IPG = cfg.IPG.Seconds()
	}
	if out.Speedup == 0 {
		out.Speedup = 1
	}
	if out.Count == 0 {
		out.Count = 1
	}

	if cfg.DstMAC != "" || cfg.SrcMAC != "" {
		dst, err := parseMAC(orDefault(cfg.DstMAC, defaultDstMAC))
		if err != nil {
			return Replay{}, fmt.Errorf("failed to parse destination MAC: %w", err)
		}
		src, err := parseMAC(orDefault(cfg.SrcMAC, defaultSrcMAC))
		if err != nil {
			return Replay{}, fmt.Errorf("failed to parse source MAC: %w", err)
		}
		out.MAC = append(append([]byte{}, dst...), src...)
	}

	return Replay{File: cfg.File, Config: out}, nil
}
