// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-zookeeper/zk"
)

const (
	lockRoot   = "/distributed_locks" // 所有分布式锁的根节点
	nodePrefix = "lock-"
)

// ErrLockHeld 表示 TryLock 时锁已被其他客户端持有。
var ErrLockHeld = errors.New("zookeeper: lock is held by another client")

// conn 是锁用到的 zk 操作，*Conn 满足它。
type conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
}

// DistributedLock 定义了一个分布式锁对象。
// 每次加锁都会创建自己的临时顺序节点，同一个实例可以被多个 goroutine 共用。
type DistributedLock struct {
	conn conn
	path string // 锁的路径，例如 /distributed_locks/stock-reconciler
}

// NewDistributedLock 创建一个新的分布式锁实例，并确保锁路径存在
func NewDistributedLock(c conn, resourceID string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID
	for _, p := range []string{lockRoot, lockPath} {
		if err := ensurePath(c, p); err != nil {
			return nil, err
		}
	}
	return &DistributedLock{conn: c, path: lockPath}, nil
}

func ensurePath(c conn, path string) error {
	ok, _, err := c.Exists(path)
	if err != nil {
		return fmt.Errorf("failed to check node %s: %w", path, err)
	}
	if ok {
		return nil
	}
	_, err = c.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("failed to create node %s: %w", path, err)
	}
	return nil
}

// TryLock 尝试获取锁，不等待；锁被占用时返回 ErrLockHeld。
func (l *DistributedLock) TryLock() (func() error, error) {
	node, err := l.createNode()
	if err != nil {
		return nil, err
	}
	children, _, err := l.conn.Children(l.path)
	if err != nil {
		l.deleteNode(node)
		return nil, fmt.Errorf("failed to get children nodes: %w", err)
	}
	prev, err := predecessor(children, l.nodeName(node))
	if err != nil {
		l.deleteNode(node)
		return nil, err
	}
	if prev != "" {
		l.deleteNode(node)
		return nil, ErrLockHeld
	}
	return l.unlocker(node), nil
}

// Lock 获取锁，获取不到则阻塞等待，直到 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context) (func() error, error) {
	// 1. 在锁路径下创建一个临时顺序节点
	node, err := l.createNode()
	if err != nil {
		return nil, err
	}

	for {
		// 2. 获取锁路径下的所有子节点
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			l.deleteNode(node)
			return nil, fmt.Errorf("failed to get children nodes: %w", err)
		}

		// 3. 判断自己是否是最小的节点
		prev, err := predecessor(children, l.nodeName(node))
		if err != nil {
			l.deleteNode(node)
			return nil, err
		}
		if prev == "" {
			return l.unlocker(node), nil
		}

		// 4. 不是最小节点，监听前一个节点
		exists, _, eventChan, err := l.conn.ExistsW(l.path + "/" + prev)
		if err != nil {
			l.deleteNode(node)
			return nil, fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
			// 前一个节点变化后重新竞争
		case <-ctx.Done():
			l.deleteNode(node)
			return nil, ctx.Err()
		}
	}
}

func (l *DistributedLock) createNode() (string, error) {
	node, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/"+nodePrefix, []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", fmt.Errorf("failed to create sequential node: %w", err)
	}
	return node, nil
}

func (l *DistributedLock) nodeName(node string) string {
	return strings.TrimPrefix(node, l.path+"/")
}

func (l *DistributedLock) deleteNode(node string) {
	_ = l.conn.Delete(node, -1)
}

// unlocker 返回释放函数，多次调用只删除一次节点
func (l *DistributedLock) unlocker(node string) func() error {
	released := false
	return func() error {
		if released {
			return nil
		}
		released = true
		err := l.conn.Delete(node, -1)
		if err != nil && !errors.Is(err, zk.ErrNoNode) {
			return fmt.Errorf("failed to delete lock node: %w", err)
		}
		return nil
	}
}

// predecessor 返回排在 mine 前面的那个节点，mine 最小时返回空串。
// 受保护节点带有 GUID 前缀，所以按末尾的序号排序而不是按整个名字。
func predecessor(children []string, mine string) (string, error) {
	type node struct {
		name string
		seq  int64
	}
	nodes := make([]node, 0, len(children))
	found := false
	for _, c := range children {
		seq, err := sequence(c)
		if err != nil {
			continue
		}
		nodes = append(nodes, node{name: c, seq: seq})
		if c == mine {
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("lock node %s not found among children", mine)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].seq < nodes[j].seq })

	for i, n := range nodes {
		if n.name == mine {
			if i == 0 {
				return "", nil
			}
			return nodes[i-1].name, nil
		}
	}
	return "", nil
}

// sequence 解析顺序节点末尾的 10 位序号
func sequence(name string) (int64, error) {
	idx := strings.LastIndex(name, nodePrefix)
	if idx < 0 {
		return 0, fmt.Errorf("not a lock node: %s", name)
	}
	return strconv.ParseInt(name[idx+len(nodePrefix):], 10, 64)
}
