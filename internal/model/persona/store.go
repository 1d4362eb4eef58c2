package persona

// Store 暴露只读的角色查询能力，核心流程不会修改角色数据。
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
}

// MemoryStore 基于内存切片实现 Store。
type MemoryStore struct {
	items []Persona
}

// NewMemoryStore 返回预置了给定角色的 MemoryStore。
func NewMemoryStore(items []Persona) *MemoryStore {
	return &MemoryStore{items: append([]Persona(nil), items...)}
}

// List 返回全部角色。
func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// FindByID 按标识查找角色。
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Persona{}, false
}
