package remote

import "fmt"

// MaxPrototypeDepth bounds the prototype walk. Script prototype chains are
// acyclic; the cap only protects against a misbehaving Inspector.
const MaxPrototypeDepth = 256

// Reflector lists the properties of an object along its prototype chain.
type Reflector struct {
	host Inspector
	ser  *Serializer
}

func NewReflector(host Inspector, ser *Serializer) *Reflector {
	return &Reflector{host: host, ser: ser}
}

// Properties returns target's own slots followed by those of every
// prototype, the latter marked IsOwn=false. Property values are serialized
// under group but never expanded, so cyclic references terminate.
func (r *Reflector) Properties(target Value, group string) ([]PropertyDescriptor, error) {
	var out []PropertyDescriptor
	cur, own := target, true
	for depth := 0; depth < MaxPrototypeDepth; depth++ {
		props, err := r.host.OwnProperties(cur)
		if err != nil {
			return nil, fmt.Errorf("own properties: %w", err)
		}
		for _, p := range props {
			pd, err := r.describe(p, own, group)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", p.Name, err)
			}
			out = append(out, pd)
		}

		proto, ok := r.host.Prototype(cur)
		if !ok {
			return out, nil
		}
		cur, own = proto, false
	}
	return out, nil
}

func (r *Reflector) describe(p Property, own bool, group string) (PropertyDescriptor, error) {
	pd := PropertyDescriptor{
		Name:         p.Name,
		Enumerable:   p.Enumerable,
		Configurable: p.Configurable,
		IsOwn:        own,
	}
	var err error
	if pd.Value, err = r.optional(p.Value, group); err != nil {
		return pd, err
	}
	if pd.Get, err = r.optional(p.Getter, group); err != nil {
		return pd, err
	}
	if pd.Set, err = r.optional(p.Setter, group); err != nil {
		return pd, err
	}
	return pd, nil
}

func (r *Reflector) optional(v Value, group string) (*RemoteObject, error) {
	if v == nil {
		return nil, nil
	}
	obj, err := r.ser.Serialize(v, group)
	if err != nil {
		return nil, err
	}
	return &obj, nil
}
