// Package adr implements the ADR handler registry: the built-in default
// handler and the handlers provided by external plugins.
package adr

import (
	"os/exec"
	"sync"

	"github.com/hashicorp/go-plugin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-mac/adr"
	"github.com/brocaar/chirpstack-device-mac/internal/config"
)

// DefaultHandlerID holds the ID of the built-in handler.
const DefaultHandlerID = "default"

var (
	mux      sync.RWMutex
	handlers map[string]adr.Handler
	clients  []*plugin.Client
)

func init() {
	handlers = map[string]adr.Handler{
		DefaultHandlerID: &DefaultHandler{},
	}
}

// Setup loads the configured ADR plugins.
func Setup(c config.Config) error {
	mux.Lock()
	defer mux.Unlock()

	for _, pluginPath := range c.ADR.Plugins {
		client := plugin.NewClient(&plugin.ClientConfig{
			HandshakeConfig: adr.HandshakeConfig,
			Plugins: map[string]plugin.Plugin{
				"handler": &adr.HandlerPlugin{},
			},
			Cmd: exec.Command(pluginPath),
		})

		rpcClient, err := client.Client()
		if err != nil {
			client.Kill()
			return errors.Wrapf(err, "get adr plugin client error, plugin: %s", pluginPath)
		}

		raw, err := rpcClient.Dispense("handler")
		if err != nil {
			client.Kill()
			return errors.Wrapf(err, "dispense adr plugin error, plugin: %s", pluginPath)
		}

		h, ok := raw.(adr.Handler)
		if !ok {
			client.Kill()
			return errors.Errorf("expected adr.Handler, got: %T", raw)
		}

		if err := register(h); err != nil {
			client.Kill()
			return errors.Wrapf(err, "register adr plugin error, plugin: %s", pluginPath)
		}

		clients = append(clients, client)
	}

	return nil
}

// Register registers the given ADR handler.
func Register(h adr.Handler) error {
	mux.Lock()
	defer mux.Unlock()
	return register(h)
}

func register(h adr.Handler) error {
	id, err := h.ID()
	if err != nil {
		return errors.Wrap(err, "get adr handler id error")
	}
	name, err := h.Name()
	if err != nil {
		return errors.Wrap(err, "get adr handler name error")
	}

	handlers[id] = h

	log.WithFields(log.Fields{
		"id":   id,
		"name": name,
	}).Info("adr: adr handler registered")

	return nil
}

// GetHandler returns the ADR handler with the given ID. When no such handler
// exists, the default handler is returned.
func GetHandler(id string) adr.Handler {
	mux.RLock()
	defer mux.RUnlock()

	if h, ok := handlers[id]; ok {
		return h
	}

	if id != "" {
		log.WithField("id", id).Warning("adr: adr handler does not exist, falling back to default")
	}
	return handlers[DefaultHandlerID]
}

// Close terminates the plugin processes.
func Close() {
	mux.Lock()
	defer mux.Unlock()

	for _, c := range clients {
		c.Kill()
	}
	clients = nil
}
