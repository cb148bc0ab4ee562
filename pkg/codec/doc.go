/*
Package codec converts native field values to and from their wire representation.

Strings are tagged with StringPrefix, composite values (maps, slices, structs) are
serialized as JSON and tagged with ComplexPrefix, and numbers and booleans travel as
bare JSON literals. Receivers use the tag to rebuild the native type.
*/
package codec
