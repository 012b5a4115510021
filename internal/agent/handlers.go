package agent

import (
	"context"

	"github.com/keynest/keynest/internal/domain"
	"github.com/keynest/keynest/internal/gateway/wschannel"
)

// handleRequest executes one channel request against the local lock
// controller and shapes the response for the cloud side.
func (a *Agent) handleRequest(ctx context.Context, req wschannel.CommandRequest) wschannel.CommandResponse {
	resp := wschannel.CommandResponse{ID: req.ID}
	switch req.Op {
	case wschannel.OpSync:
		devices, err := a.collectDevices(ctx)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Success = true
		resp.Data = map[string]any{"devices": devices}
	case wschannel.OpDeviceStatus:
		state, err := a.locks.lockState(ctx, req.DeviceID)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Success = true
		resp.Data = map[string]any{"state": state.State, "battery": state.Battery}
	case wschannel.OpCommand:
		command, _ := req.Params["command"].(string)
		params := make(map[string]any, len(req.Params))
		for k, v := range req.Params {
			if k == "command" {
				continue
			}
			params[k] = v
		}
		out, err := a.locks.sendCommand(ctx, req.DeviceID, command, params)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Success = out.Success
		resp.Data = out.Data
		resp.Error = out.Error
	case wschannel.OpAddKey:
		out, err := a.locks.addKey(ctx, req.DeviceID, req.Params)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Success = true
		resp.Data = out
	case wschannel.OpRevokeKey:
		out, err := a.locks.revokeKey(ctx, req.DeviceID, req.Params)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Success = true
		resp.Data = out
	default:
		resp.Error = domain.ErrUnsupportedCommand.Error() + ": " + req.Op
	}
	return resp
}

// collectDevices builds the sync inventory: every lock the controller
// knows, with its key set attached when retrievable.
func (a *Agent) collectDevices(ctx context.Context) ([]map[string]any, error) {
	locks, err := a.locks.locksAll(ctx)
	if err != nil {
		return nil, err
	}
	devices := make([]map[string]any, 0, len(locks))
	for _, lock := range locks {
		entry := map[string]any{
			"id":    lock.ID,
			"name":  lock.Name,
			"state": lock.State,
		}
		keys, err := a.locks.lockKeys(ctx, lock.ID)
		if err != nil {
			a.log.Warn("failed to read lock keys during sync", "lock_id", lock.ID, "err", err)
		} else {
			entry["keys"] = keys
		}
		devices = append(devices, entry)
	}
	return devices, nil
}

// applySecureTime relays a signed secure-time packet to the local
// controller, which distributes it to the locks. Signature checking is
// the locks' job; the agent never unwraps the token.
func (a *Agent) applySecureTime(ctx context.Context, packet string) {
	if err := a.locks.pushSecureTime(ctx, packet); err != nil {
		a.log.Warn("failed to relay secure time packet", "err", err)
		return
	}
	a.log.Debug("secure time packet relayed")
}
