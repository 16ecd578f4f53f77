package gamestate

import "context"

// Manager owns the machines, one per room code, behind the same actor
// pattern as the machines themselves.

type ManagerMsg interface{ isManagerMsg() }

type EnsureMachine struct {
	RoomCode string
	Cfg      Config
	Reply    chan *Machine
}

type GetMachine struct {
	RoomCode string
	Reply    chan *Machine
}

type RemoveMachine struct{ RoomCode string }

type ShutdownManager struct{}

func (EnsureMachine) isManagerMsg()   {}
func (GetMachine) isManagerMsg()      {}
func (RemoveMachine) isManagerMsg()   {}
func (ShutdownManager) isManagerMsg() {}

type Manager struct {
	inbox    chan ManagerMsg
	machines map[string]*Machine
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	mgr := &Manager{
		inbox:    make(chan ManagerMsg, 16),
		machines: make(map[string]*Machine),
		ctx:      ctx,
		cancel:   cancel,
	}
	go mgr.loop()
	return mgr
}

func (mgr *Manager) Inbox() chan<- ManagerMsg { return mgr.inbox }

func (mgr *Manager) loop() {
	for {
		select {
		case <-mgr.ctx.Done():
			mgr.shutdown()
			return

		case raw := <-mgr.inbox:
			switch msg := raw.(type) {
			case EnsureMachine:
				if m := mgr.machines[msg.RoomCode]; m != nil {
					msg.Reply <- m
					break
				}
				m := NewMachine(mgr.ctx, msg.RoomCode, msg.Cfg)
				mgr.machines[msg.RoomCode] = m
				msg.Reply <- m

			case GetMachine:
				msg.Reply <- mgr.machines[msg.RoomCode] // may be nil

			case RemoveMachine:
				if m := mgr.machines[msg.RoomCode]; m != nil {
					m.Send(Shutdown{})
					delete(mgr.machines, msg.RoomCode)
				}

			case ShutdownManager:
				mgr.shutdown()
				return
			}
		}
	}
}

func (mgr *Manager) shutdown() {
	for code, m := range mgr.machines {
		m.Send(Shutdown{})
		delete(mgr.machines, code)
	}
	mgr.cancel()
}
