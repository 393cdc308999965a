package server

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/sheepd/sheepd/proto"
	"github.com/sheepd/sheepd/queue"
	"github.com/sheepd/sheepd/sderr"
	"github.com/sheepd/sheepd/sdlog"
)

// Dispatch implements proto.Dispatcher (spec §4.6 DISPATCH): a forwarded
// object op (FlagNoRedirect set) runs directly against the local store on
// the "io" queue; a client-facing object op fans out through the gateway on
// the "gway" queue; VDI and cluster ops run on "io" since they're rare and
// already serialized through the cluster broadcast.
func (s *Server) Dispatch(req *proto.Request) {
	cid := s.NextCorrelationID()

	switch req.Header.Code {
	case proto.OpReadObj, proto.OpWriteObj, proto.OpCreateAndWriteObj, proto.OpRemoveObj:
		if req.Header.Flags&proto.FlagNoRedirect != 0 {
			s.queues["io"].Submit(&queue.Work{
				Fn:   func(int) { s.handleLocalObjOp(req) },
				Done: func() { s.finish(req) },
			})
			return
		}
		s.queues["gway"].Submit(&queue.Work{
			Fn:   func(int) { s.handleGatewayObjOp(req, cid) },
			Done: func() { s.finish(req) },
		})

	case proto.OpStatCluster:
		s.queues["io"].Submit(&queue.Work{
			Fn:   func(int) { s.handleStatCluster(req) },
			Done: func() { s.finish(req) },
		})

	case proto.OpNewVdi, proto.OpDelVdi, proto.OpGetVdiInfo, proto.OpReadVdis, proto.OpLockVdi, proto.OpReleaseVdi:
		s.queues["io"].Submit(&queue.Work{
			Fn:   func(int) { s.handleVdiOp(req) },
			Done: func() { s.finish(req) },
		})

	default:
		req.Result = proto.Header{Code: uint8(sderr.NoSupport)}
		s.finish(req)
	}
}

func (s *Server) finish(req *proto.Request) {
	req.Conn.Complete(req)
	s.syncWriteInterest(req.Conn)
}

func (s *Server) handleLocalObjOp(req *proto.Request) {
	oid := req.Header.OpaqueUint64At(proto.OpaqueOidOff)
	offset := int64(req.Header.OpaqueUint64At(proto.OpaqueOffOff))

	switch req.Header.Code {
	case proto.OpReadObj:
		n := int(req.Header.OpaqueUint64At(proto.OpaqueLenOff))
		data, err := s.store.ReadObj(oid, offset, n, req.Header.Epoch)
		req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
		if err == nil {
			req.Reply = data
		}
	case proto.OpWriteObj, proto.OpCreateAndWriteObj:
		create := req.Header.Code == proto.OpCreateAndWriteObj
		err := s.store.WriteObj(oid, offset, req.Body, req.Header.Epoch, create)
		req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
	case proto.OpRemoveObj:
		err := s.store.RemoveObj(oid, req.Header.Epoch)
		req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
	}
}

func (s *Server) handleGatewayObjOp(req *proto.Request, cid string) {
	oid := req.Header.OpaqueUint64At(proto.OpaqueOidOff)
	offset := int64(req.Header.OpaqueUint64At(proto.OpaqueOffOff))
	ctx := context.Background()

	switch req.Header.Code {
	case proto.OpReadObj:
		n := int(req.Header.OpaqueUint64At(proto.OpaqueLenOff))
		data, err := s.gw.Read(ctx, oid, offset, n, s.cfg.Copies)
		req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
		if err == nil {
			req.Reply = data
		} else {
			sdlog.Warningf("dispatch[%s]: read oid %x: %v", cid, oid, err)
		}
	case proto.OpWriteObj, proto.OpCreateAndWriteObj:
		create := req.Header.Code == proto.OpCreateAndWriteObj
		err := s.gw.Write(ctx, oid, offset, req.Body, s.cfg.Copies, create)
		req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
		if err != nil {
			sdlog.Warningf("dispatch[%s]: write oid %x: %v", cid, oid, err)
		}
	case proto.OpRemoveObj:
		err := s.gw.Remove(ctx, oid, s.cfg.Copies)
		req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
		if err != nil {
			sdlog.Warningf("dispatch[%s]: remove oid %x: %v", cid, oid, err)
		}
	}
}

func (s *Server) handleStatCluster(req *proto.Request) {
	data, err := s.sm.DebugSnapshot()
	req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
	if err == nil {
		req.Reply = data
	}
}

// handleVdiOp implements the master-serializes-allocation rule of spec
// §4.7 "VDI create": only the master allocates and reserves the id, in its
// own local index; a non-master answers NEW_VDI and DEL_VDI with
// NoSupport rather than forwarding them. The allocation is not broadcast
// to other members. The VDI's metadata object is written by the client as
// an ordinary object write against the allocated id.
func (s *Server) handleVdiOp(req *proto.Request) {
	switch req.Header.Code {
	case proto.OpNewVdi:
		if !s.sm.IsMaster() {
			req.Result = proto.Header{Code: uint8(sderr.NoSupport)}
			return
		}
		name := string(req.Body)
		id, err := s.vdiIdx.AllocateID(name)
		if err != nil {
			req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
			return
		}
		if err := s.vdiIdx.Reserve(id, name); err != nil {
			req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
			return
		}
		req.Result = proto.Header{Code: uint8(sderr.Success)}
		req.Result.PutOpaqueUint32At(0, id)

	case proto.OpGetVdiInfo:
		name := string(req.Body)
		id, ok, err := s.vdiIdx.Lookup(name)
		if err != nil {
			req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
			return
		}
		if !ok {
			req.Result = proto.Header{Code: uint8(sderr.NoVdi)}
			return
		}
		req.Result = proto.Header{Code: uint8(sderr.Success)}
		req.Result.PutOpaqueUint32At(0, id)

	case proto.OpDelVdi:
		if !s.sm.IsMaster() {
			req.Result = proto.Header{Code: uint8(sderr.NoSupport)}
			return
		}
		name := string(req.Body)
		id, ok, err := s.vdiIdx.Lookup(name)
		if err != nil {
			req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
			return
		}
		if !ok {
			req.Result = proto.Header{Code: uint8(sderr.NoVdi)}
			return
		}
		if err := s.vdiIdx.Delete(id, name); err != nil {
			req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
			return
		}
		// Dropping the metadata object is a best-effort sweep: the index
		// mapping is already gone, so the id can't be looked up again even
		// if this sweep is still in flight when the reply goes out.
		epoch := s.sm.Epoch()
		s.queues["deletion"].Submit(&queue.Work{
			Fn: func(int) {
				if err := s.store.RemoveObj(uint64(id), epoch); err != nil {
					sdlog.Warningf("deletion: sweep vdi %d (oid %x): %v", id, id, err)
				}
			},
			Done: func() {},
		})
		req.Result = proto.Header{Code: uint8(sderr.Success)}

	case proto.OpLockVdi:
		id := req.Header.OpaqueUint32At(0)
		holder := string(req.Body)
		err := s.vdiIdx.Lock(id, holder)
		req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}

	case proto.OpReleaseVdi:
		id := req.Header.OpaqueUint32At(0)
		holder := string(req.Body)
		err := s.vdiIdx.Release(id, holder)
		req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}

	case proto.OpReadVdis:
		entries, err := s.vdiIdx.List()
		if err != nil {
			req.Result = proto.Header{Code: uint8(sderr.CodeOf(err))}
			return
		}
		data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(entries)
		if err != nil {
			req.Result = proto.Header{Code: uint8(sderr.SystemError)}
			return
		}
		req.Result = proto.Header{Code: uint8(sderr.Success)}
		req.Reply = data

	default:
		req.Result = proto.Header{Code: uint8(sderr.NoSupport)}
	}
}
