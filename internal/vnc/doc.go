// Package vnc allocates and supervises interactive resolution sessions: a
// virtual display, a VNC server attached to it, and a websocket bridge that
// exposes the frame buffer to a browser. Display numbers and ports are shared
// across processes through the coordination store.
package vnc
