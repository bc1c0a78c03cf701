package session

// Base carries the state every backend shares. Backends embed it and register
// their capabilities on Registry() during construction.
type Base struct {
	host     *Host
	cache    *Cache
	registry *Registry
}

func NewBase(host *Host) Base {
	return Base{host: host, cache: NewCache(), registry: NewRegistry()}
}

func (b *Base) Host() *Host {
	return b.host
}

func (b *Base) Cache() *Cache {
	return b.cache
}

func (b *Base) Registry() *Registry {
	return b.registry
}

func (b *Base) Feature(id Feature) (any, bool) {
	return b.registry.Lookup(id)
}
