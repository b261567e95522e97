// internal/zookeeper/conn.go
package zookeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"

	"stockguard/internal/pkg/logger"
)

// Conn 包装 zk.Conn，会话事件写入日志。
type Conn struct {
	*zk.Conn
}

// Connect 连接 ZooKeeper 集群，并等待第一次会话建立。
func Connect(ctx context.Context, servers []string, sessionTimeout time.Duration) (*Conn, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("zookeeper: no server configured")
	}
	c, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zookeeper: connect %v: %w", servers, err)
	}

	connected := make(chan struct{})
	go func() {
		signalled := false
		for ev := range events {
			if ev.Type != zk.EventSession {
				continue
			}
			logger.Ctx(ctx).Debug().Str("state", ev.State.String()).Msg("zookeeper session event")
			if ev.State == zk.StateHasSession && !signalled {
				signalled = true
				close(connected)
			}
		}
	}()

	select {
	case <-connected:
		return &Conn{Conn: c}, nil
	case <-time.After(sessionTimeout):
		c.Close()
		return nil, fmt.Errorf("zookeeper: no session within %s", sessionTimeout)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}
