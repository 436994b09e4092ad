package registry

import (
	jsoniter "github.com/json-iterator/go"

	"canisterbus/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (r *Registry) putTopic(t Topic) {
	data, _ := json.Marshal(t)
	r.topics.Set(t.ID, data)
}

func (r *Registry) getTopic(id string) (Topic, error) {
	raw, ok := r.topics.Get(id)
	if !ok {
		return Topic{}, errs.B().Code(errs.NotFound).Msgf("topic %q not found", id).Err()
	}
	return decodeTopic(raw)
}

func decodeTopic(raw []byte) (Topic, error) {
	var t Topic
	if err := json.Unmarshal(raw, &t); err != nil {
		return Topic{}, errs.B().Code(errs.Internal).Cause(err).Msg("corrupt topic record").Err()
	}
	return t, nil
}

func (r *Registry) putNamespace(ns Namespace) {
	data, _ := json.Marshal(ns)
	r.namespaces.Set(ns.ID, data)
}

func (r *Registry) getNamespace(id string) (Namespace, error) {
	raw, ok := r.namespaces.Get(id)
	if !ok {
		return Namespace{}, errs.B().Code(errs.NotFound).Msgf("namespace %q not found", id).Err()
	}
	return decodeNamespace(raw)
}

func decodeNamespace(raw []byte) (Namespace, error) {
	var ns Namespace
	if err := json.Unmarshal(raw, &ns); err != nil {
		return Namespace{}, errs.B().Code(errs.Internal).Cause(err).Msg("corrupt namespace record").Err()
	}
	return ns, nil
}

func (r *Registry) putSubscriber(s Subscriber) {
	data, _ := json.Marshal(s)
	r.subscribers.Set(s.ID, data)
}

func (r *Registry) getSubscriber(id string) (Subscriber, error) {
	raw, ok := r.subscribers.Get(id)
	if !ok {
		return Subscriber{}, errs.B().Code(errs.NotFound).Msgf("subscriber %q not found", id).Err()
	}
	return decodeSubscriber(raw)
}

func decodeSubscriber(raw []byte) (Subscriber, error) {
	var s Subscriber
	if err := json.Unmarshal(raw, &s); err != nil {
		return Subscriber{}, errs.B().Code(errs.Internal).Cause(err).Msg("corrupt subscriber record").Err()
	}
	return s, nil
}

func (r *Registry) putPeer(p PeerService) {
	data, _ := json.Marshal(p)
	r.peers.Set(p.CanisterName, data)
}

func decodePeer(raw []byte) (PeerService, error) {
	var p PeerService
	if err := json.Unmarshal(raw, &p); err != nil {
		return PeerService{}, errs.B().Code(errs.Internal).Cause(err).Msg("corrupt peer record").Err()
	}
	return p, nil
}
