package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/kevinxiao27/canvas-sync/ol"
	"github.com/kevinxiao27/canvas-sync/store"
	"github.com/kevinxiao27/canvas-sync/transport"
)

const (
	sendBufferSize = 256
	writeTimeout   = 10 * time.Second
)

type Config struct {
	// JWTSecret enables bearer-token auth. Peers may then only publish
	// operations authored under their token's subject.
	JWTSecret []byte
	// Store keeps project histories across restarts. Optional.
	Store store.Store
	// Backplane fans operations out to other relay instances. Optional.
	Backplane Backplane
}

// Server relays operation batches between the peers of each project. It
// stores and deduplicates operations but never resolves conflicts; every
// peer runs the resolver itself.
type Server struct {
	config   Config
	upgrader websocket.Upgrader

	mu       sync.Mutex // protects projects and everything they hold; never held across store calls
	projects map[string]*project
}

type project struct {
	id      string
	ops     []ol.Operation
	seen    mapset.Set[string]
	clients map[*client]bool
}

type client struct {
	id        string
	userID    string
	projectID string
	conn      *websocket.Conn
	send      chan transport.Message
}

func NewServer(config Config) *Server {
	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		projects: map[string]*project{},
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{project}", s.handleWebSocket)
	r.HandleFunc("/projects/{project}", s.handleHistory).Methods(http.MethodGet)
	return r
}

// Run relays backplane traffic until ctx is done. Without a backplane it
// just waits.
func (s *Server) Run(ctx context.Context) error {
	if s.config.Backplane == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.config.Backplane.Subscribe(ctx, s.absorbRemote)
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if len(s.config.JWTSecret) == 0 {
		return "", nil
	}
	return parseToken(s.config.JWTSecret, requestToken(r))
}

func newProject(projectID string) *project {
	return &project{
		id:      projectID,
		ops:     []ol.Operation{},
		seen:    mapset.NewThreadUnsafeSet[string](),
		clients: map[*client]bool{},
	}
}

// loadProject returns the state of projectID, reading the store on first
// use. The store is read without s.mu held.
func (s *Server) loadProject(ctx context.Context, projectID string) (*project, error) {
	s.mu.Lock()
	p, ok := s.projects[projectID]
	s.mu.Unlock()
	if ok {
		return p, nil
	}

	stored := []ol.Operation{}
	if s.config.Store != nil {
		snapshot, err := s.config.Store.Load(ctx, projectID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			stored = snapshot.Operations
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[projectID]; ok {
		// another request loaded it first
		p.absorb(stored)
		return p, nil
	}
	p = newProject(projectID)
	p.absorb(stored)
	s.projects[projectID] = p
	return p, nil
}

// absorb appends the operations not seen before and returns them.
func (p *project) absorb(ops []ol.Operation) []ol.Operation {
	fresh := []ol.Operation{}
	for _, op := range ops {
		if p.seen.Contains(op.ID) {
			continue
		}
		p.seen.Add(op.ID)
		p.ops = append(p.ops, op)
		fresh = append(fresh, op)
	}
	return fresh
}

func (p *project) snapshot() ol.Snapshot {
	return ol.Snapshot{ProjectID: p.id, Operations: slices.Clone(p.ops)}
}

// deliver queues msg for c, dropping a client that cannot keep up. Must be
// called with s.mu held.
func (s *Server) deliver(p *project, c *client, msg transport.Message) {
	select {
	case c.send <- msg:
	default:
		glog.Infof("[relay]%s drop slow client %s\n", p.id, c.id)
		delete(p.clients, c)
		close(c.send)
	}
}

func (s *Server) broadcast(p *project, ops []ol.Operation, except *client) {
	if len(ops) == 0 {
		return
	}
	msg := transport.Message{Type: transport.MessageOps, ProjectID: p.id, Ops: ops}
	glog.V(2).Infof("[relay]%s broadcast ops=%d clients=%d\n", p.id, len(ops), len(p.clients))
	for c := range p.clients {
		if c != except {
			s.deliver(p, c, msg)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]

	userID, err := s.authenticate(r)
	if err != nil {
		glog.Infof("[relay]auth error %s = %s\n", projectID, err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	p, err := s.loadProject(r.Context(), projectID)
	if err != nil {
		glog.Errorf("[relay]load %s: %s\n", projectID, err)
		http.Error(w, "project unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade %s: %s\n", projectID, err)
		return
	}
	defer conn.Close()

	c := &client{
		id:        uuid.NewString(),
		userID:    userID,
		projectID: projectID,
		conn:      conn,
		send:      make(chan transport.Message, sendBufferSize),
	}

	s.mu.Lock()
	p.clients[c] = true
	c.send <- transport.Message{Type: transport.MessageHistory, ProjectID: projectID, Ops: slices.Clone(p.ops)}
	total := len(p.clients)
	s.mu.Unlock()
	glog.V(1).Infof("[relay]%s connected %s user=%q total=%d\n", projectID, c.id, userID, total)

	go writePump(c)

	for {
		var msg transport.Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type != transport.MessageOps {
			glog.V(1).Infof("[relay]%s ignore %s from %s\n", projectID, msg.Type, c.id)
			continue
		}
		s.receive(r.Context(), c, msg.Ops)
	}

	s.mu.Lock()
	if p.clients[c] {
		delete(p.clients, c)
		close(c.send)
	}
	total = len(p.clients)
	s.mu.Unlock()
	glog.V(1).Infof("[relay]%s disconnected %s remaining=%d\n", projectID, c.id, total)
}

func writePump(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			glog.Infof("[relay]%s write %s: %s\n", c.projectID, c.id, err)
			c.conn.Close()
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// receive stores a batch from c, acknowledges it and forwards the new
// operations to the project's other peers.
func (s *Server) receive(ctx context.Context, c *client, ops []ol.Operation) {
	// with auth on, peers may only publish under their own identity
	kept := slices.DeleteFunc(slices.Clone(ops), func(op ol.Operation) bool {
		return op.ID == "" || !op.Op.Valid() || (c.userID != "" && op.UserID != c.userID)
	})
	if dropped := len(ops) - len(kept); dropped > 0 {
		glog.Infof("[relay]%s drop %d malformed or foreign ops from %s user=%q\n", c.projectID, dropped, c.id, c.userID)
	}
	ops = kept

	s.mu.Lock()
	p := s.projects[c.projectID]
	unseen := slices.DeleteFunc(slices.Clone(ops), func(op ol.Operation) bool {
		return p.seen.Contains(op.ID)
	})
	s.mu.Unlock()

	// persist before acknowledging so an ack always means stored. Append
	// only adds ids the store lacks, so relays sharing a store keep each
	// other's operations.
	if 0 < len(unseen) && s.config.Store != nil {
		if err := s.config.Store.Append(ctx, c.projectID, unseen); err != nil {
			glog.Errorf("[relay]%s append: %s\n", c.projectID, err)
			return
		}
	}

	s.mu.Lock()
	fresh := p.absorb(unseen)
	if p.clients[c] {
		s.deliver(p, c, transport.Message{Type: transport.MessageAck, ProjectID: p.id, IDs: transport.OpIDs(ops)})
	}
	s.broadcast(p, fresh, c)
	s.mu.Unlock()

	if 0 < len(fresh) && s.config.Backplane != nil {
		msg := transport.Message{Type: transport.MessageOps, ProjectID: c.projectID, Ops: fresh}
		if err := s.config.Backplane.Publish(ctx, msg); err != nil {
			glog.Infof("[relay]%s\n", err)
		}
	}
}

// absorbRemote takes operations another relay instance stored. Projects with
// no local state are skipped; they load from the shared store on demand.
func (s *Server) absorbRemote(msg transport.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[msg.ProjectID]
	if !ok {
		return
	}
	s.broadcast(p, p.absorb(msg.Ops), nil)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]
	if _, err := s.authenticate(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	p, err := s.loadProject(r.Context(), projectID)
	if err != nil {
		glog.Errorf("[relay]load %s: %s\n", projectID, err)
		http.Error(w, "project unavailable", http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	snapshot := p.snapshot()
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		glog.Infof("[relay]encode %s: %s\n", projectID, err)
	}
}

func (s *Server) connected(projectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[projectID]; ok {
		return len(p.clients)
	}
	return 0
}
