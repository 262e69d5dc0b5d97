/*
Copyright 2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package catalog implements the connection catalog persistence
// described in spec.md §3/§6: a JSON tree mixing "connection" and
// "group" nodes to arbitrary depth, and the credential-update
// operation the Auth Orchestrator's "remember" path calls back into.
package catalog

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	ss "github.com/funkpopo/simpleshell-engine"
)

// NodeType distinguishes a leaf connection from a group of items, per
// spec.md §6's persisted state layout.
type NodeType string

const (
	NodeConnection NodeType = "connection"
	NodeGroup      NodeType = "group"
)

// AuthType mirrors ConnectionSpec's authentication mode, per
// spec.md §3.
type AuthType string

const (
	AuthPassword    AuthType = "password"
	AuthPublicKey   AuthType = "public-key"
	AuthInteractive AuthType = "interactive"
)

// Node is one entry in the catalog tree: either a connection leaf or
// a group of child Nodes, per spec.md §6.
type Node struct {
	Type NodeType `json:"type"`
	ID   string   `json:"id"`
	Name string   `json:"name"`

	// Connection-only fields.
	Protocol       string   `json:"protocol,omitempty"`
	Host           string   `json:"host,omitempty"`
	Port           int      `json:"port,omitempty"`
	Username       string   `json:"username,omitempty"`
	Password       string   `json:"password,omitempty"`
	PrivateKeyPath string   `json:"private_key_path,omitempty"`
	AuthType       AuthType `json:"auth_type,omitempty"`

	// Group-only field.
	Items []*Node `json:"items,omitempty"`
}

// Credentials is the subset of a connection's fields the Auth
// Orchestrator's "remember" path may rewrite, per spec.md §3's
// "mutated by a credential-update operation (only the credential
// triplet)".
type Credentials struct {
	Username       string
	Password       string
	PrivateKeyPath string
	AuthType       AuthType
}

// Config configures a Catalog.
type Config struct {
	// Path is the on-disk catalog file.
	Path string
	// OnChanged fires whenever the tree is mutated, the
	// `connections-changed` event of spec.md §6.
	OnChanged func()
	Log       log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("catalog: Path is required")
	}
	if c.OnChanged == nil {
		c.OnChanged = func() {}
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "catalog")
	}
	return nil
}

// Catalog owns the connection tree and its on-disk persistence.
type Catalog struct {
	Config

	mu   sync.RWMutex
	root []*Node
}

// New constructs a Catalog from cfg without loading; call Load to
// populate it from disk.
func New(cfg Config) (*Catalog, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Catalog{Config: cfg}, nil
}

// Load reads the catalog tree from Path. A missing file is treated as
// an empty catalog rather than an error.
func (c *Catalog) Load() error {
	data, err := os.ReadFile(c.Path)
	if os.IsNotExist(err) {
		c.mu.Lock()
		c.root = nil
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	var root []*Node
	if err := json.Unmarshal(data, &root); err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	c.root = root
	c.mu.Unlock()
	return nil
}

// Save atomically writes the current tree to Path via
// write-temp-then-rename, the same idiom the Resume Journal uses.
func (c *Catalog) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c.root, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return trace.Wrap(err)
	}

	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp, c.Path); err != nil {
		os.Remove(tmp)
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Tree returns a snapshot of the top-level nodes.
func (c *Catalog) Tree() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Node(nil), c.root...)
}

// find locates node id anywhere in the tree and returns it.
func find(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
		if n.Type == NodeGroup {
			if found := find(n.Items, id); found != nil {
				return found
			}
		}
	}
	return nil
}

// removeFrom splices id out of *slice (recursing into group Items),
// operating through the pointer so the edit lands in the actual
// backing field (c.root or a parent Node's Items), not a copy of the
// slice header.
func removeFrom(slice *[]*Node, id string) bool {
	for i, n := range *slice {
		if n.ID == id {
			*slice = append((*slice)[:i], (*slice)[i+1:]...)
			return true
		}
		if n.Type == NodeGroup && removeFrom(&n.Items, id) {
			return true
		}
	}
	return false
}

// Add inserts node under the group identified by parentID, or at the
// top level if parentID is empty. It fires OnChanged and persists the
// tree, per spec.md §6.
func (c *Catalog) Add(ctx context.Context, parentID string, node *Node) error {
	c.mu.Lock()
	if parentID == "" {
		c.root = append(c.root, node)
	} else {
		parent := find(c.root, parentID)
		if parent == nil || parent.Type != NodeGroup {
			c.mu.Unlock()
			return trace.NotFound("catalog: group %q not found", parentID)
		}
		parent.Items = append(parent.Items, node)
	}
	c.mu.Unlock()

	c.OnChanged()
	return trace.Wrap(c.Save())
}

// Remove deletes the node identified by id from wherever it sits in
// the tree.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	removed := removeFrom(&c.root, id)
	c.mu.Unlock()
	if !removed {
		return trace.NotFound("catalog: node %q not found", id)
	}

	c.OnChanged()
	return trace.Wrap(c.Save())
}

// UpdateCredentials rewrites only the credential triplet of the
// connection identified by id, per spec.md §3/§4.4's "remember" path
// and the `terminal:updateConnectionCredentials` operation of
// spec.md §6.
func (c *Catalog) UpdateCredentials(ctx context.Context, id string, creds Credentials) error {
	c.mu.Lock()
	found := find(c.root, id)
	if found == nil {
		c.mu.Unlock()
		return trace.NotFound("catalog: connection %q not found", id)
	}
	if found.Type != NodeConnection {
		c.mu.Unlock()
		return ss.NewKind(ss.KindInvalidOperation, "catalog: %q is not a connection", id)
	}
	found.Username = creds.Username
	found.Password = creds.Password
	found.PrivateKeyPath = creds.PrivateKeyPath
	found.AuthType = creds.AuthType
	c.mu.Unlock()

	c.OnChanged()
	return trace.Wrap(c.Save())
}

// Find returns the node identified by id, if present anywhere in the
// tree.
func (c *Catalog) Find(id string) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := find(c.root, id)
	return n, n != nil
}
