package service

import "sync"

// RoomLocks 为每个房间码提供一把互斥锁，使同一房间上的读-改-写串行执行。
// 没有持有者的锁会被回收，因此 map 不会随房间数量无限增长。
type RoomLocks struct {
	mu      sync.Mutex
	entries map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// NewRoomLocks 创建空的锁集合
func NewRoomLocks() *RoomLocks {
	return &RoomLocks{entries: make(map[string]*roomLock)}
}

// Lock 获取房间锁，返回对应的解锁函数
func (l *RoomLocks) Lock(code string) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.entries[code]
	if !ok {
		entry = &roomLock{}
		l.entries[code] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, code)
		}
		l.mu.Unlock()
	}
}

// size 返回当前被持有或等待中的锁数量
func (l *RoomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
