// Package parser declares the external block decoder collaborator the RPC
// provider injects for its hex-path methods. No Bitcoin block/tx wire
// decoder lives in this module; ParseBlock is treated as a pure function
// supplied by the caller, not implemented here.
package parser

import "github.com/synnergy-network/block-ingest/internal/domain"

// ParseBlockFunc decodes a raw binary block for the given network into the
// provider-agnostic UniversalBlock shape. Implementations live outside this
// module; rpcprovider only depends on this function type.
type ParseBlockFunc func(raw []byte, network domain.NetworkParams) (domain.UniversalBlock, error)
