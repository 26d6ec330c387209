package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Destructive platform surfaces that must never be reachable from a voice
// assistant, no matter what the backend asks for.
var (
	blockedDomains = map[string]struct{}{
		"shell_command": {},
		"python_script": {},
	}

	blockedServices = map[string]struct{}{
		"homeassistant.restart":               {},
		"homeassistant.stop":                  {},
		"homeassistant.reload_all":            {},
		"homeassistant.reload_config_entries": {},
		"hassio.host_reboot":                  {},
		"hassio.host_shutdown":                {},
		"hassio.addon_stop":                   {},
	}

	blockedEventTypes = map[string]struct{}{
		"homeassistant_stop":    {},
		"homeassistant_restart": {},
		"call_service":          {},
		"component_loaded":      {},
		"service_registered":    {},
	}
)

// validateServiceCall rejects blocked domains and service pairs.
func validateServiceCall(domain, service string) error {
	if domain == "" || service == "" {
		return fmt.Errorf("domain and service are required")
	}
	if _, ok := blockedDomains[domain]; ok {
		return fmt.Errorf("service domain %q is blocked for security reasons", domain)
	}
	if _, ok := blockedServices[domain+"."+service]; ok {
		return fmt.Errorf("service %q is blocked for security reasons", domain+"."+service)
	}
	return nil
}

// validateEvent rejects blocked event types.
func validateEvent(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if _, ok := blockedEventTypes[eventType]; ok {
		return fmt.Errorf("event type %q is blocked for security reasons", eventType)
	}
	return nil
}

// Tools adapts the platform client into the gateway's tool surface.
type Tools struct {
	api    *Client
	onCall func(name string, elapsed time.Duration, isError bool)
	log    *slog.Logger
}

// NewTools creates the tool set. onCall, when non-nil, observes every
// invocation for metrics.
func NewTools(api *Client, onCall func(name string, elapsed time.Duration, isError bool)) *Tools {
	return &Tools{
		api:    api,
		onCall: onCall,
		log:    slog.With("component", "hostapi"),
	}
}

type callServiceInput struct {
	Domain      string         `json:"domain" jsonschema:"service domain, e.g. light or switch"`
	Service     string         `json:"service" jsonschema:"service name, e.g. turn_on"`
	ServiceData map[string]any `json:"service_data,omitempty" jsonschema:"optional service payload"`
	Target      map[string]any `json:"target,omitempty" jsonschema:"optional target, e.g. {\"entity_id\":\"light.kitchen\"}"`
	EntityName  string         `json:"entity_name,omitempty" jsonschema:"spoken entity name to resolve when no target is given, e.g. kitchen light"`
}

type getStatesInput struct {
	EntityIDs []string `json:"entity_ids" jsonschema:"entity ids to read"`
}

type listEntitiesInput struct {
	Domain string `json:"domain,omitempty" jsonschema:"optional domain filter, e.g. light"`
}

type getHistoryInput struct {
	EntityIDs []string `json:"entity_ids" jsonschema:"entity ids to read history for"`
	Hours     int      `json:"hours,omitempty" jsonschema:"look-back window in hours, default 24, max 8760"`
}

type getAreasInput struct {
	IncludeEntities bool `json:"include_entities,omitempty" jsonschema:"include each area's entity ids"`
}

type fireEventInput struct {
	EventType string         `json:"event_type" jsonschema:"event type to fire"`
	EventData map[string]any `json:"event_data,omitempty" jsonschema:"optional event payload"`
}

type executeActionInput struct {
	EntityID  string         `json:"entity_id" jsonschema:"script.* or automation.* entity to run"`
	Variables map[string]any `json:"variables,omitempty" jsonschema:"optional variables, scripts only"`
}

// Register adds the seven platform tools to the gateway server.
func (t *Tools) Register(srv *mcp.Server) {
	addTool(srv, t, "home_call_service",
		"Call a platform service (e.g. turn on a light, toggle a switch)",
		t.callService)
	addTool(srv, t, "home_get_states",
		"Get the current state and attributes of entities",
		t.getStates)
	addTool(srv, t, "home_list_entities",
		"List available entities, optionally filtered by domain",
		t.listEntities)
	addTool(srv, t, "home_get_history",
		"Get state history for entities over a look-back window",
		t.getHistory)
	addTool(srv, t, "home_get_areas",
		"List areas, optionally with their entities",
		t.getAreas)
	addTool(srv, t, "home_fire_event",
		"Fire a custom event on the platform's event bus",
		t.fireEvent)
	addTool(srv, t, "home_execute_action",
		"Run a script or trigger an automation by entity id",
		t.executeAction)
}

func (t *Tools) callService(ctx context.Context, in callServiceInput) (any, error) {
	if err := validateServiceCall(in.Domain, in.Service); err != nil {
		return nil, err
	}
	target := in.Target
	if len(target) == 0 && in.EntityName != "" {
		entityID, err := t.api.Resolve(ctx, in.EntityName, in.Domain)
		if err != nil {
			return nil, err
		}
		target = map[string]any{"entity_id": entityID}
	}
	if err := t.api.CallService(ctx, in.Domain, in.Service, in.ServiceData, target); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (t *Tools) getStates(ctx context.Context, in getStatesInput) (any, error) {
	if len(in.EntityIDs) == 0 {
		return nil, fmt.Errorf("entity_ids is required")
	}
	states := make(map[string]any, len(in.EntityIDs))
	for _, id := range in.EntityIDs {
		s, err := t.api.State(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			states[id] = nil
			continue
		}
		states[id] = map[string]any{
			"state":        s.State,
			"attributes":   s.Attributes,
			"last_changed": s.LastChanged,
		}
	}
	return map[string]any{"states": states}, nil
}

func (t *Tools) listEntities(ctx context.Context, in listEntitiesInput) (any, error) {
	all, err := t.api.States(ctx)
	if err != nil {
		return nil, err
	}
	entities := make([]map[string]any, 0, len(all))
	for _, s := range all {
		if in.Domain != "" && !strings.HasPrefix(s.EntityID, in.Domain+".") {
			continue
		}
		entities = append(entities, map[string]any{
			"entity_id":     s.EntityID,
			"state":         s.State,
			"friendly_name": s.FriendlyName(),
		})
	}
	return map[string]any{"entities": entities}, nil
}

func (t *Tools) getHistory(ctx context.Context, in getHistoryInput) (any, error) {
	if len(in.EntityIDs) == 0 {
		return nil, fmt.Errorf("entity_ids is required")
	}
	hours := in.Hours
	if hours == 0 {
		hours = 24
	}
	hist, err := t.api.History(ctx, in.EntityIDs, hours)
	if err != nil {
		return nil, err
	}
	return map[string]any{"history": hist}, nil
}

func (t *Tools) getAreas(ctx context.Context, in getAreasInput) (any, error) {
	areas, err := t.api.Areas(ctx, in.IncludeEntities)
	if err != nil {
		return nil, err
	}
	return map[string]any{"areas": areas}, nil
}

func (t *Tools) fireEvent(ctx context.Context, in fireEventInput) (any, error) {
	if err := validateEvent(in.EventType); err != nil {
		return nil, err
	}
	if err := t.api.FireEvent(ctx, in.EventType, in.EventData); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (t *Tools) executeAction(ctx context.Context, in executeActionInput) (any, error) {
	switch {
	case strings.HasPrefix(in.EntityID, "script."):
		if err := t.api.TurnOnScript(ctx, in.EntityID, in.Variables); err != nil {
			return nil, err
		}
	case strings.HasPrefix(in.EntityID, "automation."):
		if err := t.api.TriggerAutomation(ctx, in.EntityID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported entity %q: only script.* and automation.* can be run", in.EntityID)
	}
	return map[string]any{"success": true}, nil
}

// addTool registers one handler, wrapping it with metrics observation and
// the tool-error conversion: handler failures become tool-result errors, the
// gateway session stays open.
func addTool[In any](srv *mcp.Server, t *Tools, name, desc string, h func(context.Context, In) (any, error)) {
	mcp.AddTool(srv, &mcp.Tool{Name: name, Description: desc},
		func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
			start := time.Now()
			out, err := h(ctx, in)
			if t.onCall != nil {
				t.onCall(name, time.Since(start), err != nil)
			}
			if err != nil {
				t.log.Warn("tool call failed", "tool", name, "error", err)
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				}, nil, nil
			}
			raw, err := json.Marshal(out)
			if err != nil {
				return nil, nil, fmt.Errorf("hostapi: encode %s result: %w", name, err)
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
			}, nil, nil
		})
}
