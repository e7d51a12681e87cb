package redis

// keys builds the namespaced Redis keys used by the broker.
type keys struct {
	ns string
}

func (k keys) ready() string   { return k.ns + ":ready" }
func (k keys) delayed() string { return k.ns + ":delayed" }

// inflight holds message IDs scored by their visibility deadline.
func (k keys) inflight() string { return k.ns + ":inflight" }

func (k keys) message(id string) string { return k.ns + ":msg:" + id }
