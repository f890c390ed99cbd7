package bluez

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/chaz8081/bleperiph/internal/gatt"
	"github.com/chaz8081/bleperiph/internal/peripheral"
)

const (
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
	propertiesIface    = "org.freedesktop.DBus.Properties"
	introspectIface    = "org.freedesktop.DBus.Introspectable"
	gattServiceIface   = "org.bluez.GattService1"
	gattCharIface      = "org.bluez.GattCharacteristic1"
	gattDescIface      = "org.bluez.GattDescriptor1"
)

// object is one exported node of the GATT application.
type object interface {
	objectPath() dbus.ObjectPath
	iface() string
	propMap() map[string]*prop.Prop
	bind(conn *dbus.Conn, props *prop.Properties)
}

// application is the tree BlueZ walks through GetManagedObjects when the
// application is registered.
type application struct {
	root    dbus.ObjectPath
	objects []object
	chars   map[gatt.UUID]*characteristic
	props   map[dbus.ObjectPath]*prop.Properties
}

func newApplication(root dbus.ObjectPath, profile gatt.Profile, h *handler) *application {
	app := &application{
		root:  root,
		chars: make(map[gatt.UUID]*characteristic),
		props: make(map[dbus.ObjectPath]*prop.Properties),
	}
	for i, svc := range profile.Services {
		sp := dbus.ObjectPath(fmt.Sprintf("%s/service%d", root, i))
		so := &service{path: sp, svc: svc}
		app.objects = append(app.objects, so)

		for j, c := range svc.Characteristics {
			cp := dbus.ObjectPath(fmt.Sprintf("%s/char%d", sp, j))
			co := &characteristic{path: cp, service: sp, serviceID: svc.UUID, chr: c, h: h}
			so.chars = append(so.chars, cp)
			app.objects = append(app.objects, co)
			if _, dup := app.chars[c.UUID]; !dup {
				app.chars[c.UUID] = co
			}

			for k, d := range c.Descriptors {
				dp := dbus.ObjectPath(fmt.Sprintf("%s/desc%d", cp, k))
				co.descs = append(co.descs, dp)
				app.objects = append(app.objects, &descriptor{
					path: dp, characteristic: cp,
					serviceID: svc.UUID, charID: c.UUID, desc: d, h: h,
				})
			}
		}
	}
	return app
}

// GetManagedObjects implements org.freedesktop.DBus.ObjectManager.
func (app *application) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(app.objects))
	for _, o := range app.objects {
		var props map[string]dbus.Variant
		if p, ok := app.props[o.objectPath()]; ok {
			all, derr := p.GetAll(o.iface())
			if derr != nil {
				return nil, derr
			}
			props = all
		} else {
			props = make(map[string]dbus.Variant)
			for name, p := range o.propMap() {
				props[name] = dbus.MakeVariant(p.Value)
			}
		}
		out[o.objectPath()] = map[string]map[string]dbus.Variant{o.iface(): props}
	}
	return out, nil
}

// export publishes every object on conn.
func (app *application) export(conn *dbus.Conn) error {
	if err := conn.Export(app, app.root, objectManagerIface); err != nil {
		return err
	}
	rootNode := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    objectManagerIface,
			Methods: introspect.Methods(app),
		}},
	}
	if err := conn.Export(introspect.NewIntrospectable(rootNode), app.root, introspectIface); err != nil {
		return err
	}

	for _, o := range app.objects {
		if err := conn.Export(o, o.objectPath(), o.iface()); err != nil {
			return err
		}
		props, err := prop.Export(conn, o.objectPath(), prop.Map{o.iface(): o.propMap()})
		if err != nil {
			return fmt.Errorf("export properties of %s: %w", o.objectPath(), err)
		}
		o.bind(conn, props)
		app.props[o.objectPath()] = props

		node := &introspect.Node{
			Interfaces: []introspect.Interface{
				prop.IntrospectData,
				{
					Name:       o.iface(),
					Methods:    introspect.Methods(o),
					Properties: props.Introspection(o.iface()),
				},
			},
		}
		if err := conn.Export(introspect.NewIntrospectable(node), o.objectPath(), introspectIface); err != nil {
			return err
		}
	}
	return nil
}

// unexport removes every object from conn.
func (app *application) unexport(conn *dbus.Conn) {
	for _, o := range app.objects {
		conn.Export(nil, o.objectPath(), o.iface())
		conn.Export(nil, o.objectPath(), propertiesIface)
		conn.Export(nil, o.objectPath(), introspectIface)
	}
	conn.Export(nil, app.root, objectManagerIface)
	conn.Export(nil, app.root, introspectIface)
}

type service struct {
	path  dbus.ObjectPath
	svc   gatt.Service
	chars []dbus.ObjectPath
}

func (s *service) objectPath() dbus.ObjectPath { return s.path }
func (s *service) iface() string               { return gattServiceIface }

func (s *service) bind(*dbus.Conn, *prop.Properties) {}

func (s *service) propMap() map[string]*prop.Prop {
	return map[string]*prop.Prop{
		"UUID":            {Value: s.svc.UUID.String(), Emit: prop.EmitConst},
		"Primary":         {Value: s.svc.Primary, Emit: prop.EmitConst},
		"Characteristics": {Value: s.chars, Emit: prop.EmitConst},
	}
}

// characteristic is an exported org.bluez.GattCharacteristic1.
type characteristic struct {
	path      dbus.ObjectPath
	service   dbus.ObjectPath
	serviceID gatt.UUID
	chr       gatt.Characteristic
	descs     []dbus.ObjectPath
	h         *handler

	conn      *dbus.Conn
	props     *prop.Properties
	notifying atomic.Bool
}

func (c *characteristic) objectPath() dbus.ObjectPath { return c.path }
func (c *characteristic) iface() string               { return gattCharIface }

func (c *characteristic) bind(conn *dbus.Conn, props *prop.Properties) {
	c.conn = conn
	c.props = props
}

func (c *characteristic) propMap() map[string]*prop.Prop {
	value := c.chr.Value
	if value == nil {
		value = []byte{}
	}
	return map[string]*prop.Prop{
		"UUID":        {Value: c.chr.UUID.String(), Emit: prop.EmitConst},
		"Service":     {Value: c.service, Emit: prop.EmitConst},
		"Flags":       {Value: characteristicFlags(c.chr), Emit: prop.EmitConst},
		"Descriptors": {Value: c.descs, Emit: prop.EmitConst},
		"Value":       {Value: value, Emit: prop.EmitFalse},
		"Notifying":   {Value: c.notifying.Load(), Emit: prop.EmitFalse},
	}
}

func (c *characteristic) request() peripheral.Request {
	return peripheral.Request{Service: c.serviceID, Characteristic: c.chr.UUID}
}

// ReadValue implements GattCharacteristic1.ReadValue.
func (c *characteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	return c.h.read(c.request(), options)
}

// WriteValue implements GattCharacteristic1.WriteValue.
func (c *characteristic) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	return c.h.write(c.request(), value, options)
}

// StartNotify implements GattCharacteristic1.StartNotify. BlueZ multiplexes
// all subscribed centrals onto one call, so the subscriber is AnyCentral.
func (c *characteristic) StartNotify() *dbus.Error {
	if !c.chr.Properties.CanNotify() {
		return dbus.NewError(errNotSupported, []any{"characteristic does not notify"})
	}
	if c.notifying.Swap(true) {
		return nil
	}
	c.setNotifying(true)
	req := c.request()
	req.Central = peripheral.AnyCentral
	c.h.cb.SubscriptionChanged(req, true)
	return nil
}

// StopNotify implements GattCharacteristic1.StopNotify.
func (c *characteristic) StopNotify() *dbus.Error {
	if !c.notifying.Swap(false) {
		return nil
	}
	c.setNotifying(false)
	req := c.request()
	req.Central = peripheral.AnyCentral
	c.h.cb.SubscriptionChanged(req, false)
	return nil
}

func (c *characteristic) setNotifying(on bool) {
	if err := c.update("Notifying", on); err != nil {
		slog.Warn("[BlueZ] emit Notifying", "characteristic", c.chr.UUID.ShortString(), "error", err)
	}
}

// notify stores value and emits PropertiesChanged, which BlueZ forwards to
// subscribed centrals as a notification or indication.
func (c *characteristic) notify(value []byte) error {
	return c.update("Value", value)
}

// update stores a property and emits PropertiesChanged for it. Properties
// are exported with EmitFalse so that an emit failure is returned here
// rather than panicking inside prop.
func (c *characteristic) update(name string, v any) error {
	if c.props == nil {
		return fmt.Errorf("characteristic %s not exported", c.chr.UUID)
	}
	c.props.SetMust(gattCharIface, name, v)
	return c.conn.Emit(c.path, propertiesIface+".PropertiesChanged",
		gattCharIface, map[string]dbus.Variant{name: dbus.MakeVariant(v)}, []string{})
}

// descriptor is an exported org.bluez.GattDescriptor1.
type descriptor struct {
	path           dbus.ObjectPath
	characteristic dbus.ObjectPath
	serviceID      gatt.UUID
	charID         gatt.UUID
	desc           gatt.Descriptor
	h              *handler
}

func (d *descriptor) objectPath() dbus.ObjectPath { return d.path }
func (d *descriptor) iface() string               { return gattDescIface }

func (d *descriptor) bind(*dbus.Conn, *prop.Properties) {}

func (d *descriptor) propMap() map[string]*prop.Prop {
	value := d.desc.Value
	if value == nil {
		value = []byte{}
	}
	return map[string]*prop.Prop{
		"UUID":           {Value: d.desc.UUID.String(), Emit: prop.EmitConst},
		"Characteristic": {Value: d.characteristic, Emit: prop.EmitConst},
		"Flags":          {Value: descriptorFlags(d.desc), Emit: prop.EmitConst},
		"Value":          {Value: value, Emit: prop.EmitFalse},
	}
}

func (d *descriptor) request() peripheral.Request {
	id := d.desc.UUID
	return peripheral.Request{Service: d.serviceID, Characteristic: d.charID, Descriptor: &id}
}

// ReadValue implements GattDescriptor1.ReadValue.
func (d *descriptor) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	return d.h.read(d.request(), options)
}

// WriteValue implements GattDescriptor1.WriteValue.
func (d *descriptor) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	return d.h.write(d.request(), value, options)
}
