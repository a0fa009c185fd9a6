package ovsdb

import (
	"fmt"

	"k8s.io/klog/v2"
)

// erspanPortPrefix prefixes the ERSPAN destination port for a mirror
// session name
const erspanPortPrefix = "erspan"

// ErspanParams describes an ERSPAN destination port
type ErspanParams struct {
	// PortName is the name of the ERSPAN port
	PortName string

	// Version is the ERSPAN header version, 1 or 2
	Version int

	// RemoteIP is the tunnel destination
	RemoteIP string
}

// MirrorConfig is the current mirror row with port uuids substituted
// by names
type MirrorConfig struct {
	UUID     string
	SrcPorts []string
	DstPorts []string
	OutPort  string
}

// GetBridgeUUID looks up the uuid of a bridge by name
func (c *Connection) GetBridgeUUID(name string) (string, error) {
	results, err := c.Transact(TransactMessage{
		Op:         OperationSelect,
		Table:      TableBridge,
		Columns:    []string{"_uuid"},
		Conditions: []Condition{{Column: "name", Op: CondEqual, Value: name}},
	})
	if err != nil {
		return "", err
	}
	if len(results) == 0 || len(results[0].Rows) == 0 {
		return "", fmt.Errorf("bridge %q not found", name)
	}
	uuid, ok := rowString(results[0].Rows[0], "_uuid")
	if !ok {
		return "", fmt.Errorf("bridge %q: no _uuid in result", name)
	}
	return uuid, nil
}

// GetPortUUID looks up the uuid of a port by name
func (c *Connection) GetPortUUID(name string) (string, error) {
	results, err := c.Transact(TransactMessage{
		Op:         OperationSelect,
		Table:      TablePort,
		Columns:    []string{"_uuid"},
		Conditions: []Condition{{Column: "name", Op: CondEqual, Value: name}},
	})
	if err != nil {
		return "", err
	}
	if len(results) == 0 || len(results[0].Rows) == 0 {
		return "", fmt.Errorf("port %q not found", name)
	}
	uuid, ok := rowString(results[0].Rows[0], "_uuid")
	if !ok {
		return "", fmt.Errorf("port %q: no _uuid in result", name)
	}
	return uuid, nil
}

// GetBridgePorts returns the bridge uuid and the uuids of its ports
func (c *Connection) GetBridgePorts(name string) (string, []string, error) {
	results, err := c.Transact(TransactMessage{
		Op:         OperationSelect,
		Table:      TableBridge,
		Columns:    []string{"ports", "_uuid"},
		Conditions: []Condition{{Column: "name", Op: CondEqual, Value: name}},
	})
	if err != nil {
		return "", nil, err
	}
	if len(results) == 0 || len(results[0].Rows) == 0 {
		return "", nil, fmt.Errorf("bridge %q not found", name)
	}
	row := results[0].Rows[0]
	brUUID, ok := rowString(row, "_uuid")
	if !ok {
		return "", nil, fmt.Errorf("bridge %q: no _uuid in result", name)
	}
	return brUUID, rowUUIDSet(row, "ports"), nil
}

// getPortNameMap selects the Port table once and returns uuid to name
func (c *Connection) getPortNameMap() (map[string]string, error) {
	results, err := c.Transact(TransactMessage{
		Op:      OperationSelect,
		Table:   TablePort,
		Columns: []string{"name", "_uuid"},
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("empty select result")
	}
	portMap := make(map[string]string, len(results[0].Rows))
	for _, row := range results[0].Rows {
		name, ok1 := rowString(row, "name")
		uuid, ok2 := rowString(row, "_uuid")
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("port row missing name/_uuid")
		}
		portMap[uuid] = name
	}
	return portMap, nil
}

// CreateMirror creates a mirror session on the bridge. Port names are
// resolved to uuids with a single select; the mirror row is inserted
// under a named uuid and hooked into Bridge.mirrors in the same
// transaction.
func (c *Connection) CreateMirror(bridgeUUID, name string, srcPorts, dstPorts []string) error {
	portMap, err := c.getPortNameMap()
	if err != nil {
		return err
	}
	byName := make(map[string]string, len(portMap))
	for uuid, pname := range portMap {
		byName[pname] = uuid
	}

	resolve := func(names []string) ([]string, error) {
		uuids := make([]string, 0, len(names))
		for _, n := range names {
			uuid, ok := byName[n]
			if !ok {
				return nil, fmt.Errorf("port %q not found", n)
			}
			uuids = append(uuids, uuid)
		}
		return uuids, nil
	}
	srcUUIDs, err := resolve(srcPorts)
	if err != nil {
		return err
	}
	dstUUIDs, err := resolve(dstPorts)
	if err != nil {
		return err
	}

	const uuidName = "mirror1"
	insert := TransactMessage{
		Op:    OperationInsert,
		Table: TableMirror,
		Row: map[string]interface{}{
			"name":            name,
			"select_src_port": UUIDSet(srcUUIDs),
			"select_dst_port": UUIDSet(dstUUIDs),
		},
		UUIDName: uuidName,
	}
	// the ERSPAN destination port doubles as the mirror output when
	// already present
	if outUUID, ok := byName[erspanPortPrefix+name]; ok {
		insert.Row["output_port"] = UUIDRef(outUUID)
	}

	update := TransactMessage{
		Op:         OperationUpdate,
		Table:      TableBridge,
		Conditions: []Condition{{Column: "_uuid", Op: CondEqual, Value: UUIDRef(bridgeUUID)}},
		Row:        map[string]interface{}{"mirrors": NamedUUID(uuidName)},
	}

	results, err := c.Transact(insert, update)
	if err != nil {
		return err
	}
	klog.V(4).Infof("Created mirror %s as %s", name, results[0].UUID.GoUUID)
	return nil
}

// DeleteMirror removes all mirrors from the bridge by clearing
// Bridge.mirrors. Deleting an absent mirror is a no-op.
func (c *Connection) DeleteMirror(bridgeName string) error {
	_, err := c.Transact(TransactMessage{
		Op:         OperationUpdate,
		Table:      TableBridge,
		Conditions: []Condition{{Column: "name", Op: CondEqual, Value: bridgeName}},
		Row:        map[string]interface{}{"mirrors": EmptySet()},
	})
	return err
}

// GetMirrorConfig reads the current mirror row, substituting port
// uuids with port names
func (c *Connection) GetMirrorConfig() (*MirrorConfig, error) {
	results, err := c.Transact(TransactMessage{
		Op:    OperationSelect,
		Table: TableMirror,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || len(results[0].Rows) == 0 {
		return nil, fmt.Errorf("no mirror found")
	}
	row := results[0].Rows[0]
	mir := &MirrorConfig{}
	if uuid, ok := rowString(row, "_uuid"); ok {
		mir.UUID = uuid
	}
	mir.SrcPorts = rowUUIDSet(row, "select_src_port")
	mir.DstPorts = rowUUIDSet(row, "select_dst_port")
	if out := rowUUIDSet(row, "output_port"); len(out) > 0 {
		mir.OutPort = out[0]
	}

	portMap, err := c.getPortNameMap()
	if err != nil {
		return nil, err
	}
	substitute := func(uuids []string) []string {
		names := make([]string, 0, len(uuids))
		for _, uuid := range uuids {
			if name, ok := portMap[uuid]; ok {
				names = append(names, name)
			}
		}
		return names
	}
	mir.SrcPorts = substitute(mir.SrcPorts)
	mir.DstPorts = substitute(mir.DstPorts)
	if name, ok := portMap[mir.OutPort]; ok {
		mir.OutPort = name
	}
	return mir, nil
}

// AddErspanPort adds an ERSPAN destination port to the bridge: insert
// the Interface, insert a Port referencing it by named uuid, and
// rewrite Bridge.ports to the previously-selected set plus the new
// port.
func (c *Connection) AddErspanPort(bridgeName string, params ErspanParams) error {
	if params.Version != 1 && params.Version != 2 {
		return fmt.Errorf("unsupported erspan version %d", params.Version)
	}
	brUUID, portUUIDs, err := c.GetBridgePorts(bridgeName)
	if err != nil {
		return err
	}

	const ifaceUUIDName = "interface1"
	const portUUIDName = "port1"

	ifaceInsert := TransactMessage{
		Op:    OperationInsert,
		Table: TableInterface,
		Row: map[string]interface{}{
			"name": params.PortName,
			"type": "erspan",
			"options": StringMap(map[string]string{
				"erspan_ver": fmt.Sprintf("%d", params.Version),
				"remote_ip":  params.RemoteIP,
			}),
		},
		UUIDName: ifaceUUIDName,
	}
	portInsert := TransactMessage{
		Op:    OperationInsert,
		Table: TablePort,
		Row: map[string]interface{}{
			"name":       params.PortName,
			"interfaces": NamedUUID(ifaceUUIDName),
		},
		UUIDName: portUUIDName,
	}

	ports := UUIDSet(portUUIDs)
	ports.GoSet = append(ports.GoSet, NamedUUID(portUUIDName))
	bridgeUpdate := TransactMessage{
		Op:         OperationUpdate,
		Table:      TableBridge,
		Conditions: []Condition{{Column: "_uuid", Op: CondEqual, Value: UUIDRef(brUUID)}},
		Row:        map[string]interface{}{"ports": ports},
	}

	_, err = c.Transact(ifaceInsert, portInsert, bridgeUpdate)
	return err
}

// GetCurrentErspanParams reads the ERSPAN options of an existing port
func (c *Connection) GetCurrentErspanParams(portName string) (*ErspanParams, error) {
	results, err := c.Transact(TransactMessage{
		Op:         OperationSelect,
		Table:      TableInterface,
		Columns:    []string{"options"},
		Conditions: []Condition{{Column: "name", Op: CondEqual, Value: portName}},
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || len(results[0].Rows) == 0 {
		return nil, fmt.Errorf("interface %q not found", portName)
	}
	options := rowStringMap(results[0].Rows[0], "options")
	params := &ErspanParams{PortName: portName}
	if ver, ok := options["erspan_ver"]; ok {
		fmt.Sscanf(ver, "%d", &params.Version)
	}
	params.RemoteIP = options["remote_ip"]
	if params.Version == 0 {
		return nil, fmt.Errorf("interface %q has no erspan options", portName)
	}
	return params, nil
}

// CreateNetFlow adds a NetFlow exporter to the bridge
func (c *Connection) CreateNetFlow(bridgeUUID, target string, activeTimeout int, addIDToInterface bool) error {
	const uuidName = "netflow1"
	insert := TransactMessage{
		Op:    OperationInsert,
		Table: TableNetFlow,
		Row: map[string]interface{}{
			"targets":             target,
			"active_timeout":      activeTimeout,
			"add_id_to_interface": addIDToInterface,
		},
		UUIDName: uuidName,
	}
	update := TransactMessage{
		Op:         OperationUpdate,
		Table:      TableBridge,
		Conditions: []Condition{{Column: "_uuid", Op: CondEqual, Value: UUIDRef(bridgeUUID)}},
		Row:        map[string]interface{}{"netflow": NamedUUID(uuidName)},
	}
	_, err := c.Transact(insert, update)
	return err
}

// DeleteNetFlow clears the NetFlow exporter from the bridge
func (c *Connection) DeleteNetFlow(bridgeName string) error {
	_, err := c.Transact(TransactMessage{
		Op:         OperationUpdate,
		Table:      TableBridge,
		Conditions: []Condition{{Column: "name", Op: CondEqual, Value: bridgeName}},
		Row:        map[string]interface{}{"netflow": EmptySet()},
	})
	return err
}

// CreateIpfix adds an IPFIX exporter to the bridge; a zero sampling
// rate leaves the column unset
func (c *Connection) CreateIpfix(bridgeUUID, target string, sampling int) error {
	const uuidName = "ipfix1"
	row := map[string]interface{}{
		"targets": target,
	}
	if sampling != 0 {
		row["sampling"] = sampling
	}
	insert := TransactMessage{
		Op:       OperationInsert,
		Table:    TableIPFIX,
		Row:      row,
		UUIDName: uuidName,
	}
	update := TransactMessage{
		Op:         OperationUpdate,
		Table:      TableBridge,
		Conditions: []Condition{{Column: "_uuid", Op: CondEqual, Value: UUIDRef(bridgeUUID)}},
		Row:        map[string]interface{}{"ipfix": NamedUUID(uuidName)},
	}
	_, err := c.Transact(insert, update)
	return err
}

// DeleteIpfix clears the IPFIX exporter from the bridge
func (c *Connection) DeleteIpfix(bridgeName string) error {
	_, err := c.Transact(TransactMessage{
		Op:         OperationUpdate,
		Table:      TableBridge,
		Conditions: []Condition{{Column: "name", Op: CondEqual, Value: bridgeName}},
		Row:        map[string]interface{}{"ipfix": EmptySet()},
	})
	return err
}
