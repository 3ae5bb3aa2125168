package sandbox

// constExport is a function exporting a constant packed buffer pointing at
// data placed in a data segment. With call set, the body first calls
// greentic:host.call.
type constExport struct {
	name   string
	params int
	data   []byte
	call   *hostCallSite
}

// hostCallSite is one greentic:host.call made with constant arguments. With
// keepReply the function returns whatever the host packed; otherwise the
// reply is dropped and data is returned.
type hostCallSite struct {
	iface     string
	fn        string
	payload   string
	keepReply bool
}

const (
	allocOffset = 32768
	callOffset  = 16384
)

// buildModule assembles a minimal WebAssembly module that exports memory,
// alloc (always returning allocOffset) and one function per export whose
// result points at its data. The host import is declared only when some
// export calls it, and then occupies function index 0.
func buildModule(exports []constExport) []byte {
	var types, imports, funcs, exps, code, data [][]byte

	var base uint64
	for _, e := range exports {
		if e.call != nil {
			base = 1
		}
	}
	allocType := uint64(len(exports))
	callType := allocType + 1

	segment := func(offset uint64, b []byte) []byte {
		return cat([]byte{0x00, 0x41}, sleb(int64(offset)), []byte{0x0b}, uleb(uint64(len(b))), b)
	}
	i32 := func(v uint64) []byte { return cat([]byte{0x41}, sleb(int64(v))) }

	for i, e := range exports {
		params := make([]byte, e.params)
		for j := range params {
			params[j] = 0x7f
		}
		types = append(types, cat([]byte{0x60}, uleb(uint64(e.params)), params, []byte{0x01, 0x7e}))
		funcs = append(funcs, uleb(uint64(i)))
		exps = append(exps, cat(name(e.name), []byte{0x00}, uleb(base+uint64(i))))

		offset := uint64(64 + i*1024)
		packed := int64(offset<<32 | uint64(len(e.data)))
		ret := cat([]byte{0x42}, sleb(packed))
		data = append(data, segment(offset, e.data))

		if e.call == nil {
			code = append(code, body(ret))
			continue
		}

		c := e.call
		at := uint64(callOffset + i*1024)
		data = append(data,
			segment(at, []byte(c.iface)),
			segment(at+256, []byte(c.fn)),
			segment(at+512, []byte(c.payload)))
		instr := cat(
			i32(at), i32(uint64(len(c.iface))),
			i32(at+256), i32(uint64(len(c.fn))),
			i32(at+512), i32(uint64(len(c.payload))),
			[]byte{0x10, 0x00},
		)
		if !c.keepReply {
			instr = cat(instr, []byte{0x1a}, ret)
		}
		code = append(code, body(instr))
	}

	types = append(types, []byte{0x60, 0x01, 0x7f, 0x01, 0x7f})
	funcs = append(funcs, uleb(allocType))
	exps = append(exps, cat(name("alloc"), []byte{0x00}, uleb(base+allocType)))
	code = append(code, body(i32(allocOffset)))
	exps = append(exps, cat(name("memory"), []byte{0x02, 0x00}))

	sections := [][]byte{
		{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
	}
	if base == 1 {
		types = append(types, []byte{0x60, 0x06, 0x7f, 0x7f, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7e})
		imports = append(imports, cat(name(hostModule), name("call"), []byte{0x00}, uleb(callType)))
		sections = append(sections, section(1, vec(types)), section(2, vec(imports)))
	} else {
		sections = append(sections, section(1, vec(types)))
	}
	sections = append(sections,
		section(3, vec(funcs)),
		section(5, []byte{0x01, 0x00, 0x01}),
		section(7, vec(exps)),
		section(10, vec(code)),
		section(11, vec(data)),
	)
	return cat(sections...)
}

func body(instr []byte) []byte {
	b := cat([]byte{0x00}, instr, []byte{0x0b})
	return cat(uleb(uint64(len(b))), b)
}

func name(s string) []byte { return cat(uleb(uint64(len(s))), []byte(s)) }

func section(id byte, content []byte) []byte {
	return cat([]byte{id}, uleb(uint64(len(content))), content)
}

func vec(items [][]byte) []byte {
	return cat(append([][]byte{uleb(uint64(len(items)))}, items...)...)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if done {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
