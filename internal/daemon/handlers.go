package daemon

import (
	"context"
	"os"

	"github.com/msageha/tofud/internal/engine"
	"github.com/msageha/tofud/internal/model"
	"github.com/msageha/tofud/internal/uds"
)

// ActionResult is the reply to an action command: the final status when the
// caller waited, otherwise the submitted job.
type ActionResult struct {
	JobID  string                 `json:"job_id,omitempty"`
	Key    model.ResourceKey      `json:"key"`
	Action model.Action           `json:"action"`
	Status *model.ExecutionStatus `json:"status,omitempty"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Info().Msg("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle(uds.CmdStats, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.engine.Stats())
	})
	d.server.Handle(uds.CmdLoopList, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.engine.Loops())
	})
	d.server.Handle(uds.CmdJobList, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.engine.Jobs())
	})

	d.server.Handle(uds.CmdLoopStart, d.handleLoopStart)
	d.server.Handle(uds.CmdLoopStop, d.handleLoopStop)
	d.server.Handle(uds.CmdAction, d.handleAction)
	d.server.Handle(uds.CmdJobCancel, d.handleJobCancel)
	d.server.Handle(uds.CmdStatus, d.handleStatus)
	d.server.Handle(uds.CmdConfigPut, d.handleConfigPut)
}

// decodeTarget reads TargetParams-shaped params and resolves the key.
func decodeTarget(req *uds.Request) (model.ResourceKey, *uds.Response) {
	var p uds.TargetParams
	if err := req.DecodeParams(&p); err != nil {
		return model.ResourceKey{}, uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	key, err := p.Key()
	if err != nil {
		return model.ResourceKey{}, uds.ErrorFrom(err)
	}
	return key, nil
}

func (d *Daemon) handleLoopStart(ctx context.Context, req *uds.Request) *uds.Response {
	key, resp := decodeTarget(req)
	if resp != nil {
		return resp
	}
	if err := d.engine.StartLoop(ctx, key); err != nil {
		return uds.ErrorFrom(err)
	}
	return uds.SuccessResponse(map[string]any{"key": key, "active": true})
}

func (d *Daemon) handleLoopStop(_ context.Context, req *uds.Request) *uds.Response {
	key, resp := decodeTarget(req)
	if resp != nil {
		return resp
	}
	return uds.SuccessResponse(map[string]any{"key": key, "was_active": d.engine.StopLoop(key)})
}

func (d *Daemon) handleStatus(ctx context.Context, req *uds.Request) *uds.Response {
	key, resp := decodeTarget(req)
	if resp != nil {
		return resp
	}
	status, err := d.engine.Status(ctx, key)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	return uds.SuccessResponse(status)
}

func (d *Daemon) handleAction(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.ActionParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	key, err := p.Key()
	if err != nil {
		return uds.ErrorFrom(err)
	}
	action, err := model.ParseAction(p.Action)
	if err != nil {
		return uds.ErrorFrom(err)
	}

	if !p.Wait {
		id, err := d.engine.Submit(ctx, action, key)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		return uds.SuccessResponse(ActionResult{JobID: id, Key: key, Action: action})
	}

	status, err := d.engine.Execute(ctx, action, key, engine.ExecuteOptions{})
	if err != nil {
		return uds.ErrorFrom(err)
	}
	return uds.SuccessResponse(ActionResult{Key: key, Action: action, Status: status})
}

func (d *Daemon) handleJobCancel(_ context.Context, req *uds.Request) *uds.Response {
	var p uds.JobParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if err := d.engine.CancelJob(p.ID); err != nil {
		return uds.ErrorFrom(err)
	}
	return uds.SuccessResponse(map[string]string{"id": p.ID, "status": "cancelled"})
}

func (d *Daemon) handleConfigPut(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.ConfigPutParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if len(p.Config) == 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "config is required")
	}

	switch {
	case p.Provider != "" && p.Resource == "":
		cfg, err := model.ParseNetworkConfigFor(p.Config, p.Provider)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		key, err := d.engine.PutNetworkConfig(ctx, p.Tenant, *cfg)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		return uds.SuccessResponse(map[string]any{"key": key})

	case p.Provider == "" && p.Resource == "":
		cfg, err := model.DecodeServiceConfig(p.Config)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		key, err := d.engine.CreateService(ctx, p.Tenant, p.ServiceType, *cfg)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		return uds.SuccessResponse(map[string]any{"key": key, "created": true})
	}

	key, err := p.Key()
	if err != nil {
		return uds.ErrorFrom(err)
	}
	cfg, err := model.ParseServiceConfig(p.Config)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	if err := d.engine.PutServiceConfig(ctx, key, *cfg); err != nil {
		return uds.ErrorFrom(err)
	}
	return uds.SuccessResponse(map[string]any{"key": key})
}
