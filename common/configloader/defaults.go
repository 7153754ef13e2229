package configloader

import (
	"maps"
	"sync"
)

var (
	defaultsMu sync.RWMutex
	defaults   = make(map[string]interface{})
)

// RegisterDefaults добавляет дефолты для ключей конфига (обычно из init()).
// Повторная регистрация ключа перезаписывает значение.
func RegisterDefaults(m map[string]interface{}) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	maps.Copy(defaults, m)
}

func defaultsSnapshot() map[string]interface{} {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()
	return maps.Clone(defaults)
}
