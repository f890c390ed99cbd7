package bluez

import (
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/chaz8081/bleperiph/internal/gatt"
)

const advertisementIface = "org.bluez.LEAdvertisement1"

// advertisement is an exported org.bluez.LEAdvertisement1.
type advertisement struct {
	path     dbus.ObjectPath
	name     string
	services []gatt.UUID
}

func (a *advertisement) propMap() map[string]*prop.Prop {
	uuids := make([]string, len(a.services))
	for i, u := range a.services {
		uuids[i] = u.String()
	}
	return map[string]*prop.Prop{
		"Type":         {Value: "peripheral", Emit: prop.EmitConst},
		"LocalName":    {Value: a.name, Emit: prop.EmitConst},
		"ServiceUUIDs": {Value: uuids, Emit: prop.EmitConst},
		"Discoverable": {Value: true, Emit: prop.EmitConst},
	}
}

// Release implements LEAdvertisement1.Release. BlueZ calls it when it drops
// the advertisement on its own, for example when the adapter powers off.
func (a *advertisement) Release() *dbus.Error {
	slog.Info("[BlueZ] advertisement released", "path", a.path)
	return nil
}

func (a *advertisement) export(conn *dbus.Conn) error {
	if err := conn.Export(a, a.path, advertisementIface); err != nil {
		return err
	}
	props, err := prop.Export(conn, a.path, prop.Map{advertisementIface: a.propMap()})
	if err != nil {
		return err
	}
	node := &introspect.Node{
		Interfaces: []introspect.Interface{
			prop.IntrospectData,
			{
				Name:       advertisementIface,
				Methods:    introspect.Methods(a),
				Properties: props.Introspection(advertisementIface),
			},
		},
	}
	return conn.Export(introspect.NewIntrospectable(node), a.path, introspectIface)
}

func (a *advertisement) unexport(conn *dbus.Conn) {
	conn.Export(nil, a.path, advertisementIface)
	conn.Export(nil, a.path, propertiesIface)
	conn.Export(nil, a.path, introspectIface)
}
