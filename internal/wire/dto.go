package wire

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/o2versioner/coordinator/internal/msql"
	"github.com/o2versioner/coordinator/internal/txvn"
)

// TableOpDTO is the wire representation of a msql.TableOp: Op is spelled
// "R"/"W" for readability on the wire rather than a numeric tag.
type TableOpDTO struct {
	Table string `json:"table"`
	Op    string `json:"op"`
}

func opToDTO(o msql.Op) string { return o.String() }

func opFromDTO(s string) (msql.Op, error) {
	switch s {
	case "R":
		return msql.R, nil
	case "W":
		return msql.W, nil
	default:
		return 0, fmt.Errorf("wire: invalid op %q", s)
	}
}

func tableOpsToDTO(ops msql.TableOps) []TableOpDTO {
	out := make([]TableOpDTO, len(ops))
	for i, o := range ops {
		out[i] = TableOpDTO{Table: o.Table, Op: opToDTO(o.Op)}
	}
	return out
}

func tableOpsFromDTO(dtos []TableOpDTO) (msql.TableOps, error) {
	out := make(msql.TableOps, len(dtos))
	for i, d := range dtos {
		op, err := opFromDTO(d.Op)
		if err != nil {
			return nil, err
		}
		out[i] = msql.TableOp{Table: d.Table, Op: op}
	}
	return out, nil
}

// MsqlDTO is the tagged-union wire form of msql.Msql.
type MsqlDTO struct {
	Kind         string       `json:"kind"` // "BeginTx" | "Query" | "EndTx"
	Name         string       `json:"name,omitempty"`
	TableOps     []TableOpDTO `json:"tableops,omitempty"`
	SQL          string       `json:"sql,omitempty"`
	EarlyRelease []string     `json:"early_release,omitempty"`
	Mode         string       `json:"mode,omitempty"` // "Commit" | "Rollback", EndTx only
}

// MsqlToDTO converts a domain Msql value to its wire form.
func MsqlToDTO(m msql.Msql) MsqlDTO {
	switch req := m.(type) {
	case msql.BeginTx:
		return MsqlDTO{Kind: "BeginTx", Name: req.Name, TableOps: tableOpsToDTO(req.TableOps)}
	case msql.Query:
		return MsqlDTO{
			Kind:         "Query",
			SQL:          req.SQL,
			TableOps:     tableOpsToDTO(req.TableOps),
			EarlyRelease: req.EarlyRelease.Slice(),
		}
	case msql.EndTx:
		return MsqlDTO{Kind: "EndTx", Name: req.Name, Mode: req.Mode.String()}
	default:
		return MsqlDTO{Kind: "Unknown"}
	}
}

// MsqlFromDTO reconstructs the domain Msql value from its wire form.
func MsqlFromDTO(d MsqlDTO) (msql.Msql, error) {
	switch d.Kind {
	case "BeginTx":
		ops, err := tableOpsFromDTO(d.TableOps)
		if err != nil {
			return nil, err
		}
		return msql.BeginTx{Name: d.Name, TableOps: ops}, nil
	case "Query":
		ops, err := tableOpsFromDTO(d.TableOps)
		if err != nil {
			return nil, err
		}
		return msql.Query{
			SQL:          d.SQL,
			TableOps:     ops,
			EarlyRelease: msql.NewEarlyReleaseTables(d.EarlyRelease),
		}, nil
	case "EndTx":
		var mode msql.EndTxMode
		switch d.Mode {
		case "Commit":
			mode = msql.Commit
		case "Rollback":
			mode = msql.Rollback
		default:
			return nil, fmt.Errorf("wire: invalid EndTx mode %q", d.Mode)
		}
		return msql.EndTx{Name: d.Name, Mode: mode}, nil
	default:
		return nil, fmt.Errorf("wire: invalid Msql kind %q", d.Kind)
	}
}

// TxTableVNDTO is the wire form of txvn.TxTableVN, and also of the
// {table, op, vn} release triples a DbVNReleaseRequest carries.
type TxTableVNDTO struct {
	Table string `json:"table"`
	VN    uint64 `json:"vn"`
	Op    string `json:"op"`
}

func txTableVNToDTO(t txvn.TxTableVN) TxTableVNDTO {
	return TxTableVNDTO{Table: t.Table, VN: t.VN, Op: opToDTO(t.Op)}
}

func txTableVNFromDTO(d TxTableVNDTO) (txvn.TxTableVN, error) {
	op, err := opFromDTO(d.Op)
	if err != nil {
		return txvn.TxTableVN{}, err
	}
	return txvn.TxTableVN{Table: d.Table, VN: d.VN, Op: op}, nil
}

// TxVNDTO is the wire form of txvn.TxVN.
type TxVNDTO struct {
	TxName   string         `json:"tx_name,omitempty"`
	UUID     string         `json:"uuid"`
	TableVNs []TxTableVNDTO `json:"txtablevns"`
}

func TxVNToDTO(v txvn.TxVN) TxVNDTO {
	dtos := make([]TxTableVNDTO, len(v.TableVNs))
	for i, t := range v.TableVNs {
		dtos[i] = txTableVNToDTO(t)
	}
	return TxVNDTO{TxName: v.TxName, UUID: v.UUID.String(), TableVNs: dtos}
}

func TxVNFromDTO(d TxVNDTO) (txvn.TxVN, error) {
	id, err := uuid.Parse(d.UUID)
	if err != nil {
		return txvn.TxVN{}, fmt.Errorf("wire: invalid TxVN uuid: %w", err)
	}
	tvns := make([]txvn.TxTableVN, len(d.TableVNs))
	for i, dt := range d.TableVNs {
		t, err := txTableVNFromDTO(dt)
		if err != nil {
			return txvn.TxVN{}, err
		}
		tvns[i] = t
	}
	return txvn.TxVN{TxName: d.TxName, UUID: id, TableVNs: tvns}, nil
}

// ResultDTO is the wire form of msql.Result.
type ResultDTO struct {
	Ok  bool   `json:"ok"`
	Msg string `json:"msg"`
}

func ResultToDTO(r msql.Result) ResultDTO { return ResultDTO{Ok: r.Ok, Msg: r.Msg} }
func ResultFromDTO(d ResultDTO) msql.Result {
	return msql.Result{Ok: d.Ok, Msg: d.Msg}
}

// ResponseDTO is the wire form of msql.Response.
type ResponseDTO struct {
	Kind   string    `json:"kind"`
	Result ResultDTO `json:"result"`
}

func ResponseToDTO(r msql.Response) ResponseDTO {
	return ResponseDTO{Kind: r.Kind.String(), Result: ResultToDTO(r.Result)}
}

func ResponseFromDTO(d ResponseDTO) (msql.Response, error) {
	var kind msql.Kind
	switch d.Kind {
	case "BeginTx":
		kind = msql.KindBeginTx
	case "Query":
		kind = msql.KindQuery
	case "EndTx":
		kind = msql.KindEndTx
	default:
		return msql.Response{}, fmt.Errorf("wire: invalid Response kind %q", d.Kind)
	}
	return msql.Response{Kind: kind, Result: ResultFromDTO(d.Result)}, nil
}

// ClientMetaDTO is the wire form of txvn.ClientMeta.
type ClientMetaDTO struct {
	ClientAddr  string `json:"client_addr"`
	CurrentTxID uint64 `json:"current_txid"`
}

func ClientMetaToDTO(c txvn.ClientMeta) ClientMetaDTO {
	return ClientMetaDTO{ClientAddr: c.ClientAddr, CurrentTxID: c.CurrentTxID}
}

func ClientMetaFromDTO(d ClientMetaDTO) txvn.ClientMeta {
	return txvn.ClientMeta{ClientAddr: d.ClientAddr, CurrentTxID: d.CurrentTxID}
}
