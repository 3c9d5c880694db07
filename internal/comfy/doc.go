// Package comfy is a thin request/response and event-stream wrapper around
// the ComfyUI HTTP API: prompt submission, history polling, health checks,
// interrupts, and the websocket push channel. It owns no business logic;
// correlation of events to jobs happens in the relay.
package comfy
